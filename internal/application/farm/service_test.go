package farm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmregistry/farm-service/internal/domain"
)

type fakeRepo struct {
	created   []domain.Farm
	listed    []domain.Farm
	lastLimit int
	err       error
}

func (f *fakeRepo) Create(_ context.Context, farm domain.Farm) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, farm)
	return nil
}

func (f *fakeRepo) List(_ context.Context, limit int) ([]domain.Farm, error) {
	f.lastLimit = limit
	return f.listed, f.err
}

func validInput() CreateInput {
	return CreateInput{
		Name:        "  Hof Sonnenberg ",
		Address:     "Dorfstrasse 1, 3000 Bern",
		Canton:      "BE",
		Coordinates: "46.94,7.44",
		Categories:  []string{"dairy"},
	}
}

func TestService_Create_OK(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewService(repo)

	f, err := svc.Create(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, "Hof Sonnenberg", f.Name)
	require.Len(t, repo.created, 1)
	assert.Equal(t, f.ID, repo.created[0].ID)
}

func TestService_Create_Validation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CreateInput)
		code   string
		field  string
	}{
		{"missing_name", func(in *CreateInput) { in.Name = "   " }, "missing_field", "name"},
		{"missing_canton", func(in *CreateInput) { in.Canton = "" }, "missing_field", "canton"},
		{"address_too_long", func(in *CreateInput) { in.Address = strings.Repeat("a", 301) }, "invalid_field", "address"},
		{"empty_category", func(in *CreateInput) { in.Categories = []string{""} }, "missing_field", "categories[0]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &fakeRepo{}
			in := validInput()
			tc.mutate(&in)

			_, err := NewService(repo).Create(context.Background(), in)
			de, ok := domain.AsError(err)
			require.True(t, ok, "expected domain error, got %v", err)
			assert.Equal(t, domain.KindValidation, de.Kind)
			assert.Equal(t, tc.code, de.Code)
			assert.Equal(t, tc.field, de.Meta["field"])
			assert.Empty(t, repo.created)
		})
	}
}

func TestService_Create_RepoError(t *testing.T) {
	_, err := NewService(&fakeRepo{err: errors.New("down")}).Create(context.Background(), validInput())
	assert.True(t, domain.Is(err, "db_unavailable"))
}

func TestService_List_ClampsLimit(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewService(repo)

	_, err := svc.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, defaultListLimit, repo.lastLimit)

	_, err = svc.List(context.Background(), 10_000)
	require.NoError(t, err)
	assert.Equal(t, maxListLimit, repo.lastLimit)
}
