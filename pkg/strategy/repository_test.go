package strategy

import (
	"context"
	"database/sql"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Repository", func() {
	var (
		repo  *Repository
		mock  sqlmock.Sqlmock
		rawDB *sql.DB
		ctx   context.Context
	)

	BeforeEach(func() {
		var err error
		rawDB, mock, err = sqlmock.New()
		Expect(err).ToNot(HaveOccurred())

		repo = NewRepository(sqlx.NewDb(rawDB, "sqlmock"), testLogger())
		ctx = context.Background()
	})

	AfterEach(func() {
		rawDB.Close()
	})

	Describe("EnsureRow", func() {
		It("should insert with conflict-do-nothing semantics", func() {
			mock.ExpectExec(`INSERT INTO strategies`).
				WithArgs(snapID, StatusPending, TriggerInitial).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.EnsureRow(ctx, snapID, TriggerInitial)).To(Succeed())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("EnqueueTriadJob", func() {
		It("should report true when the insert produced a row", func() {
			mock.ExpectExec(`INSERT INTO triad_jobs`).
				WithArgs(snapID, "triad", JobQueued).
				WillReturnResult(sqlmock.NewResult(0, 1))

			inserted, err := repo.EnqueueTriadJob(ctx, snapID, "triad")
			Expect(err).ToNot(HaveOccurred())
			Expect(inserted).To(BeTrue())
		})

		It("should report false when the job already exists", func() {
			mock.ExpectExec(`INSERT INTO triad_jobs`).
				WithArgs(snapID, "triad", JobQueued).
				WillReturnResult(sqlmock.NewResult(0, 0))

			inserted, err := repo.EnqueueTriadJob(ctx, snapID, "triad")
			Expect(err).ToNot(HaveOccurred())
			Expect(inserted).To(BeFalse())
		})
	})

	Describe("SaveMinStrategy", func() {
		It("should update the row and notify in one transaction", func() {
			mock.ExpectBegin()
			mock.ExpectExec(`UPDATE strategies SET`).
				WithArgs(snapID, "head north", "123 Main St, Frisco, TX", "Frisco", "TX", StatusComplete).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`SELECT pg_notify`).
				WithArgs("strategy_progress", `{"snapshot_id":"`+snapID+`"}`).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectCommit()

			Expect(repo.SaveMinStrategy(ctx, snapID, "head north",
				"123 Main St, Frisco, TX", "Frisco", "TX")).To(Succeed())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("should roll back when the update fails", func() {
			mock.ExpectBegin()
			mock.ExpectExec(`UPDATE strategies SET`).
				WillReturnError(sql.ErrConnDone)
			mock.ExpectRollback()

			Expect(repo.SaveMinStrategy(ctx, snapID, "x", "a", "c", "s")).To(HaveOccurred())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("SaveConsolidated", func() {
		It("should emit strategy_ready in the same transaction", func() {
			mock.ExpectBegin()
			mock.ExpectExec(`UPDATE strategies SET`).
				WithArgs(snapID, "final strategy", StatusOK).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(`SELECT pg_notify`).
				WithArgs("strategy_ready", `{"snapshot_id":"`+snapID+`"}`).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectCommit()

			Expect(repo.SaveConsolidated(ctx, snapID, "final strategy")).To(Succeed())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("GetBriefing", func() {
		It("should return nil when the briefer has not completed", func() {
			mock.ExpectQuery(`FROM briefings`).
				WithArgs(snapID).
				WillReturnError(sql.ErrNoRows)

			b, err := repo.GetBriefing(ctx, snapID)
			Expect(err).ToNot(HaveOccurred())
			Expect(b).To(BeNil())
		})
	})

	Describe("TryConsolidationLock", func() {
		It("should acquire and release on a dedicated connection", func() {
			key := LockKey(snapID)

			mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
				WithArgs(key).
				WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
			mock.ExpectExec(`SELECT pg_advisory_unlock`).
				WithArgs(key).
				WillReturnResult(sqlmock.NewResult(0, 0))

			lock, acquired, err := repo.TryConsolidationLock(ctx, snapID)
			Expect(err).ToNot(HaveOccurred())
			Expect(acquired).To(BeTrue())
			Expect(lock.Release(ctx)).To(Succeed())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("should report contention without holding a connection", func() {
			mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
				WithArgs(LockKey(snapID)).
				WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

			_, acquired, err := repo.TryConsolidationLock(ctx, snapID)
			Expect(err).ToNot(HaveOccurred())
			Expect(acquired).To(BeFalse())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})
})
