package main

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/grocify-tech/grocify/core/access"
	"github.com/grocify-tech/grocify/core/cache"
	"github.com/grocify-tech/grocify/core/csql"
	"github.com/grocify-tech/grocify/core/documents"
	"github.com/grocify-tech/grocify/core/events"
	"github.com/grocify-tech/grocify/core/kss"
	"github.com/grocify-tech/grocify/core/logger"
	"github.com/grocify-tech/grocify/grocery/images"
	"github.com/grocify-tech/grocify/grocery/inventory"
	"github.com/grocify-tech/grocify/grocery/rest"
	"github.com/grocify-tech/grocify/grocery/vision"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres      string   `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	Port          string   `env:"PORT,default=3000" description:"the port to listen on"`
	LogLevel      string   `env:"LOG_LEVEL,default=info"`
	JWTSecret     string   `env:"JWT_SECRET,required" description:"secret to sign login tokens, at least 16 characters"`
	PublicURL     string   `env:"PUBLIC_URL,default=http://localhost:3000"`
	UserCacheSize int      `env:"USER_CACHE_SIZE,default=1024"`
	KafkaBrokers  []string `env:"KAFKA_BROKERS" description:"optional kafka brokers for event delivery"`

	KSSDriver        string `env:"KSS_DRIVER,default=Local" description:"object storage driver: Local or AWSS3"`
	KSSLocalFolder   string `env:"KSS_LOCAL_FOLDER,default=/tmp/grocify-kss"`
	KSSBucket        string `env:"KSS_AWS_BUCKET_NAME,default=grocify"`
	KSSRegion        string `env:"KSS_AWS_REGION,default=us-east-1"`
	KSSAccessID      string `env:"KSS_ACCESS_ID,default="`
	KSSAccessKey     string `env:"KSS_ACCESS_KEY,default="`
	OpenAIKey        string `env:"OPENAI_SECRET,default="`
	OpenAIOrg        string `env:"OPENAI_ORGANIZATION,default="`
	OpenAIModel      string `env:"OPENAI_MODEL,default="`
	OpenAIBaseURL    string `env:"OPENAI_BASE_URL,default="`
	VisionCacheSize  int    `env:"VISION_CACHE_SIZE,default=128"`
	TokenValiditySec int    `env:"TOKEN_VALIDITY_SECONDS,default=86400"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(level)
	log := logger.Default()

	db := csql.MustOpenWithSchema(service.Postgres, "grocify")
	defer db.Close()

	store := documents.MustNewStore(db)

	broker, err := events.NewBroker(db, service.KafkaBrokers)
	if err != nil {
		log.WithError(err).Fatal("cannot create event broker")
	}
	broker.Run()
	defer broker.Close()

	router := mux.NewRouter()

	var driver kss.Driver
	switch kss.DriverType(service.KSSDriver) {
	case kss.DriverTypeAWSS3:
		driver, err = kss.NewS3(kss.S3Configuration{
			AWSBucketName: service.KSSBucket,
			AWSRegion:     service.KSSRegion,
			AccessID:      service.KSSAccessID,
			AccessKey:     service.KSSAccessKey,
		})
	case kss.DriverTypeLocal:
		var publicURL *url.URL
		publicURL, err = url.Parse(service.PublicURL)
		if err == nil {
			driver, err = kss.NewLocalFilesystem(router, service.KSSLocalFolder, *publicURL, nil)
		}
	default:
		log.Fatalf("unknown KSS driver '%s'", service.KSSDriver)
	}
	if err != nil {
		log.WithError(err).Fatal("cannot create KSS driver")
	}

	inventoryService, err := inventory.NewService(store)
	if err != nil {
		log.WithError(err).Fatal("cannot create inventory service")
	}

	tokens, err := access.NewTokenIssuer(service.JWTSecret, time.Duration(service.TokenValiditySec)*time.Second)
	if err != nil {
		log.WithError(err).Fatal("cannot create token issuer")
	}

	visionClient := vision.NewClient(vision.Config{
		BaseURL:      service.OpenAIBaseURL,
		APIKey:       service.OpenAIKey,
		Model:        service.OpenAIModel,
		Organization: service.OpenAIOrg,
	}, cache.New(service.VisionCacheSize))

	handler, err := rest.New(store, inventoryService, images.NewService(driver),
		visionClient, cache.New(service.UserCacheSize), tokens, broker)
	if err != nil {
		log.WithError(err).Fatal("cannot create REST handler")
	}

	log.Infoln("listen on port :" + service.Port)
	if err := http.ListenAndServe(":"+service.Port, handler.Routes(router)); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
