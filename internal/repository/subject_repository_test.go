package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sims-core-api/internal/models"
)

func newSubjectRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func subjectRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "code", "name", "grade_level", "credit_weight", "max_capacity", "sessions_per_week", "active", "created_at", "updated_at"})
}

func TestSubjectRepositoryFindByIDAttachesSlots(t *testing.T) {
	db, mock, cleanup := newSubjectRepoMock(t)
	defer cleanup()

	repo := NewSubjectRepository(db)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, code, name")).
		WithArgs("sub-1").
		WillReturnRows(subjectRows().AddRow("sub-1", "MATH101", "Mathematics", 10, 4, 36, 3, true, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM subject_slots")).
		WithArgs("sub-1").
		WillReturnRows(sqlmock.NewRows([]string{"subject_id", "day_of_week", "start_time", "end_time"}).
			AddRow("sub-1", "mon", "09:00", "10:00").
			AddRow("sub-1", "wed", "09:00", "10:00"))

	subject, err := repo.FindByID(context.Background(), "sub-1")
	require.NoError(t, err)
	require.Equal(t, "MATH101", subject.Code)
	require.Len(t, subject.TimeSlots, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubjectRepositoryListByIDsMissingAreAbsent(t *testing.T) {
	db, mock, cleanup := newSubjectRepoMock(t)
	defer cleanup()

	repo := NewSubjectRepository(db)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id IN")).
		WillReturnRows(subjectRows().AddRow("sub-1", "MATH101", "Mathematics", 10, 4, 36, 3, true, now, now))

	subjects, err := repo.ListByIDs(context.Background(), []string{"sub-1", "sub-ghost"})
	require.NoError(t, err)
	require.Len(t, subjects, 1)
	_, found := subjects["sub-ghost"]
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubjectRepositoryListByIDsEmptyInput(t *testing.T) {
	db, _, cleanup := newSubjectRepoMock(t)
	defer cleanup()

	repo := NewSubjectRepository(db)
	subjects, err := repo.ListByIDs(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, subjects)
}

func TestSubjectRepositoryExistsByCode(t *testing.T) {
	db, mock, cleanup := newSubjectRepoMock(t)
	defer cleanup()

	repo := NewSubjectRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM subjects")).
		WithArgs("MATH101", 10).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	exists, err := repo.ExistsByCode(context.Background(), "MATH101", 10, "")
	require.NoError(t, err)
	require.True(t, exists)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM subjects")).
		WithArgs("BIO101", 10).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	exists, err = repo.ExistsByCode(context.Background(), "BIO101", 10, "")
	require.NoError(t, err)
	require.False(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubjectRepositoryCreateWritesSlots(t *testing.T) {
	db, mock, cleanup := newSubjectRepoMock(t)
	defer cleanup()

	repo := NewSubjectRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO subjects")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM subject_slots")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO subject_slots")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	subject := &models.Subject{
		Code:        "MATH101",
		Name:        "Mathematics",
		GradeLevel:  10,
		MaxCapacity: 36,
		Active:      true,
		TimeSlots:   []models.TimeSlot{{DayOfWeek: "mon", StartTime: "09:00", EndTime: "10:00"}},
	}
	require.NoError(t, repo.Create(context.Background(), subject))
	require.NotEmpty(t, subject.ID)
	require.Equal(t, subject.ID, subject.TimeSlots[0].SubjectID)
	require.NoError(t, mock.ExpectationsWereMet())
}
