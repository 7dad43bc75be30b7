package snapshot

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	sharederrors "github.com/melodydashora/vecto-pilot/pkg/shared/errors"
)

func TestSnapshot(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Snapshot Suite")
}

var _ = Describe("LocalDate", func() {
	// 2024-03-10 03:30 UTC is still 2024-03-09 in Chicago.
	instant := time.Date(2024, 3, 10, 3, 30, 0, 0, time.UTC)

	It("should format in the snapshot timezone, not UTC", func() {
		Expect(LocalDate("America/Chicago", instant)).To(Equal("2024-03-09"))
		Expect(LocalDate("UTC", instant)).To(Equal("2024-03-10"))
	})

	It("should fall back to UTC for unknown zones", func() {
		Expect(LocalDate("Not/AZone", instant)).To(Equal("2024-03-10"))
	})

	It("should report the weekday in the snapshot timezone", func() {
		Expect(LocalWeekday("America/Chicago", instant)).To(Equal("Saturday"))
		Expect(LocalWeekday("UTC", instant)).To(Equal("Sunday"))
	})
})

var _ = Describe("Context", func() {
	Describe("contextFromRow", func() {
		It("should parse optional weather and airport payloads", func() {
			row := &Row{
				SnapshotID:  "snap-1",
				Lat:         33.15,
				Lng:         -96.82,
				City:        sql.NullString{String: "Frisco", Valid: true},
				State:       sql.NullString{String: "TX", Valid: true},
				Timezone:    "America/Chicago",
				WeatherJSON: []byte(`{"tempF": 58, "conditions": "clear"}`),
				AirportJSON: []byte(`{"code": "DFW", "distanceMi": 24.5}`),
			}

			sc, err := contextFromRow(row)
			Expect(err).ToNot(HaveOccurred())
			Expect(sc.City).To(Equal("Frisco"))
			Expect(sc.Weather).ToNot(BeNil())
			Expect(*sc.Weather.TempF).To(BeNumerically("==", 58))
			Expect(sc.Airport.Code).To(Equal("DFW"))
		})

		It("should leave optional payloads nil when absent", func() {
			sc, err := contextFromRow(&Row{SnapshotID: "snap-2", Timezone: "UTC"})
			Expect(err).ToNot(HaveOccurred())
			Expect(sc.Weather).To(BeNil())
			Expect(sc.Airport).To(BeNil())
		})

		It("should reject malformed weather json", func() {
			_, err := contextFromRow(&Row{SnapshotID: "snap-3", WeatherJSON: []byte(`{bad`)})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("ResolvedAddress", func() {
		It("should prefer the formatted address", func() {
			c := &Context{FormattedAddress: "123 Main St, Frisco, TX", City: "Frisco", State: "TX"}
			Expect(c.ResolvedAddress()).To(Equal("123 Main St, Frisco, TX"))
		})

		It("should fall back to city and state", func() {
			c := &Context{City: "Frisco", State: "TX"}
			Expect(c.ResolvedAddress()).To(Equal("Frisco, TX"))
		})
	})
})

var _ = Describe("Repository", func() {
	var (
		repo   *Repository
		mock   sqlmock.Sqlmock
		rawDB  *sql.DB
		ctx    context.Context
		logger *logrus.Logger
	)

	BeforeEach(func() {
		var err error
		rawDB, mock, err = sqlmock.New()
		Expect(err).ToNot(HaveOccurred())

		logger = logrus.New()
		logger.SetLevel(logrus.FatalLevel)
		repo = NewRepository(sqlx.NewDb(rawDB, "sqlmock"), logger)
		ctx = context.Background()
	})

	AfterEach(func() {
		rawDB.Close()
	})

	Describe("Get", func() {
		Context("when the snapshot is missing", func() {
			It("should return ErrSnapshotNotFound", func() {
				mock.ExpectQuery(`FROM snapshots`).
					WithArgs("missing-id").
					WillReturnError(sql.ErrNoRows)

				_, err := repo.Get(ctx, "missing-id")
				Expect(err).To(MatchError(sharederrors.ErrSnapshotNotFound))
			})
		})
	})

	Describe("PatchHoliday", func() {
		It("should update the holiday columns", func() {
			mock.ExpectExec(`UPDATE snapshots SET holiday`).
				WithArgs("snap-1", "Independence Day", true).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.PatchHoliday(ctx, "snap-1", "Independence Day", true)).To(Succeed())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})
})
