// Package test contains the integration test suite. It runs the full
// service wiring against a real Postgres started through testcontainers;
// events are dispatched in-process without Kafka.
package test

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/grocify-tech/grocify/core/access"
	"github.com/grocify-tech/grocify/core/cache"
	"github.com/grocify-tech/grocify/core/client"
	"github.com/grocify-tech/grocify/core/csql"
	"github.com/grocify-tech/grocify/core/documents"
	"github.com/grocify-tech/grocify/core/events"
	"github.com/grocify-tech/grocify/core/kss"
	"github.com/grocify-tech/grocify/grocery/images"
	"github.com/grocify-tech/grocify/grocery/inventory"
	"github.com/grocify-tech/grocify/grocery/rest"
	"github.com/grocify-tech/grocify/grocery/values"
	"github.com/grocify-tech/grocify/grocery/vision"
)

const testJWTSecret = "integration-test-secret"

// IntegrationTestSuite wires the whole service against a containerized
// Postgres.
type IntegrationTestSuite struct {
	suite.Suite

	postgresContainer testcontainers.Container
	db                *csql.DB
	store             *documents.Store
	broker            *events.Broker
	inventory         *inventory.Service
	values            *values.Service
	tokens            *access.TokenIssuer
	userCache         *cache.Cache
	client            client.Client
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	host, err := pgC.Host(ctx)
	s.Require().NoError(err)
	port, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	s.db, err = csql.OpenWithSchema(fmt.Sprintf(
		"host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable",
		host, port.Port()), "grocify_test")
	s.Require().NoError(err)

	s.store, err = documents.NewStore(s.db)
	s.Require().NoError(err)

	s.broker, err = events.NewBroker(s.db, nil)
	s.Require().NoError(err)

	s.inventory, err = inventory.NewService(s.store)
	s.Require().NoError(err)

	s.tokens, err = access.NewTokenIssuer(testJWTSecret, time.Hour)
	s.Require().NoError(err)

	router := mux.NewRouter()
	publicURL, err := url.Parse("http://localhost:3000")
	s.Require().NoError(err)
	fs, err := kss.NewLocalFilesystem(router, s.T().TempDir(), *publicURL, nil)
	s.Require().NoError(err)

	s.userCache = cache.New(64)
	handler, err := rest.New(s.store, s.inventory, images.NewService(fs),
		vision.NewClient(vision.Config{APIKey: "unused"}, cache.New(8)),
		s.userCache, s.tokens, s.broker)
	s.Require().NoError(err)

	valuesDocs := s.store.MustCollection("store_specific_values")
	lastPurchased := s.store.MustCollection("last_purchased")
	s.values = values.NewService(valuesDocs, lastPurchased)

	s.client = client.NewWithRouter(handler.Routes(router))
}

func (s *IntegrationTestSuite) TearDownSuite() {
	if s.broker != nil {
		s.broker.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	if s.postgresContainer != nil {
		s.postgresContainer.Terminate(context.Background())
	}
}

// drainEvents delivers all queued events synchronously.
func (s *IntegrationTestSuite) drainEvents() {
	for {
		delivered, err := s.broker.DeliverOne(context.Background())
		s.Require().NoError(err)
		if !delivered {
			return
		}
	}
}
