/*Package images manages item photos in the object storage.

Objects are keyed "<userId>/<itemId>/<index>", so all images of a user share
one prefix and the user deletion cascade can drop them in one sweep. Clients
never stream image data through the service; they get pre-signed URLs from
the configured kss driver and talk to the storage directly.
*/
package images

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grocify-tech/grocify/core/kss"
	"github.com/grocify-tech/grocify/core/logger"
)

// URLExpiry is how long a pre-signed URL stays valid.
const URLExpiry = time.Hour

// Service hands out pre-signed URLs and cleans up stored images.
type Service struct {
	driver kss.Driver
}

// NewService returns an image service over the given storage driver.
func NewService(driver kss.Driver) *Service {
	return &Service{driver: driver}
}

// Key builds the storage key for one image of an item.
func Key(userID, itemID string, index int) string {
	return userID + "/" + itemID + "/" + strconv.Itoa(index)
}

func validate(userID, itemID string) error {
	if userID == "" || itemID == "" {
		return fmt.Errorf("user id and item id must not be empty")
	}
	if strings.ContainsAny(userID+itemID, "/") {
		return fmt.Errorf("ids must not contain '/'")
	}
	return nil
}

// UploadURL returns a pre-signed URL to upload one image of an item.
func (s *Service) UploadURL(ctx context.Context, userID, itemID string, index int) (string, error) {
	if err := validate(userID, itemID); err != nil {
		return "", err
	}
	return s.driver.GetPreSignedURL(kss.Put, Key(userID, itemID, index), URLExpiry)
}

// DownloadURL returns a pre-signed URL to download one image of an item.
func (s *Service) DownloadURL(ctx context.Context, userID, itemID string, index int) (string, error) {
	if err := validate(userID, itemID); err != nil {
		return "", err
	}
	return s.driver.GetPreSignedURL(kss.Get, Key(userID, itemID, index), URLExpiry)
}

// DeleteItemImages removes all images of one item.
func (s *Service) DeleteItemImages(ctx context.Context, userID, itemID string) error {
	if err := validate(userID, itemID); err != nil {
		return err
	}
	return s.driver.DeleteAllWithPrefix(userID + "/" + itemID)
}

// DeleteUserImages removes every object stored for the user. Part of the
// user deletion cascade.
func (s *Service) DeleteUserImages(ctx context.Context, userID string) error {
	if userID == "" || strings.Contains(userID, "/") {
		return fmt.Errorf("invalid user id")
	}
	keys, err := s.driver.ListAllWithPrefix(userID)
	if err != nil {
		return err
	}
	logger.FromContext(ctx).Infof("deleting %d stored images of user %s", len(keys), userID)
	return s.driver.DeleteAllWithPrefix(userID)
}
