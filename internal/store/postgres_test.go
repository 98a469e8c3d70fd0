package store_test

import (
	"context"
	"log/slog"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/store"
)

var _ = Describe("Postgres", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	Describe("NewPostgres", func() {
		Context("with invalid configuration", func() {
			It("should return error when config is nil", func() {
				db, err := store.NewPostgres(context.Background(), nil)
				Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
				Expect(db).To(BeNil())
			})

			It("should return error when logger is nil", func() {
				db, err := store.NewPostgres(context.Background(), &store.PostgresConfig{
					Host: "localhost",
					Port: 5432,
				})
				Expect(err).To(MatchError(ContainSubstring("logger")))
				Expect(db).To(BeNil())
			})

			It("should return error when port is not positive", func() {
				_, err := store.NewPostgres(context.Background(), &store.PostgresConfig{
					Logger: logger,
					Host:   "localhost",
				})
				Expect(err).To(MatchError(ContainSubstring("port")))
			})
		})

		Context("connection validation", func() {
			It("should fail with invalid host", func() {
				db, err := store.NewPostgres(context.Background(), &store.PostgresConfig{
					Logger:   logger,
					Host:     "invalid-host-that-does-not-exist",
					Port:     5432,
					User:     "test",
					Password: "password",
					DBName:   "testdb",
				})
				Expect(err).To(HaveOccurred())
				Expect(db).To(BeNil())
			})
		})
	})

	Describe("SensorRecord", func() {
		It("should use the sensor_records table", func() {
			Expect(store.SensorRecord{}.TableName()).To(Equal("sensor_records"))
		})
	})
})
