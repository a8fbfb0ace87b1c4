/*Package kss stores large objects (item images) outside of the grocify
database. There are two drivers: a local filesystem for development and
testing, and AWS S3 for production. Clients never stream data through the
service; they receive pre-signed URLs and talk to the storage directly.
*/
package kss

import "time"

// Method is the HTTP method a pre-signed URL is valid for.
type Method string

// Methods a URL can be signed for.
const (
	Get Method = "GET"
	Put Method = "PUT"
)

// Driver defines the interface for the object storage service.
type Driver interface {
	// GetPreSignedURL returns a URL that can be used with the given method
	// until the expiry duration has passed. The key must be a valid file name.
	GetPreSignedURL(method Method, key string, expireIn time.Duration) (URL string, err error)
	// UploadData uploads data directly into a new key object.
	UploadData(key string, data []byte) error
	// Delete deletes the object stored under key.
	Delete(key string) error
	// DeleteAllWithPrefix deletes all objects whose key starts with prefix.
	DeleteAllWithPrefix(prefix string) error
	// ListAllWithPrefix lists all keys starting with prefix.
	ListAllWithPrefix(prefix string) (keys []string, err error)
}

// DriverType represents the different types of KSS drivers
type DriverType string

const (
	// DriverTypeLocal is the local filesystem implementation
	DriverTypeLocal DriverType = "Local"
	// DriverTypeAWSS3 is the AWS S3 implementation
	DriverTypeAWSS3 DriverType = "AWSS3"
	// None is used when there is no KSS implementation
	None DriverType = ""
)

// S3Configuration contains the configuration for the S3 driver
type S3Configuration struct {
	AWSBucketName string
	AWSRegion     string
	AccessID      string
	AccessKey     string
	KeyPrefix     string
}
