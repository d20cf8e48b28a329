package farm

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/farmregistry/farm-service/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// CreateInput is the client-supplied part of a farm. Only presence and
// length are checked here.
type CreateInput struct {
	Name        string   `json:"name" validate:"required,max=200"`
	Address     string   `json:"address" validate:"required,max=300"`
	Canton      string   `json:"canton" validate:"required,max=64"`
	Coordinates string   `json:"coordinates" validate:"required,max=64"`
	Categories  []string `json:"categories" validate:"max=16,dive,required,max=64"`
}

type Service struct {
	repo     Repo
	validate *validator.Validate
	now      func() time.Time
}

func NewService(repo Repo) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{repo: repo, validate: v, now: time.Now}
}

func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Farm, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Address = strings.TrimSpace(in.Address)
	in.Canton = strings.TrimSpace(in.Canton)
	in.Coordinates = strings.TrimSpace(in.Coordinates)

	if err := s.validate.Struct(in); err != nil {
		return domain.Farm{}, validationError(err)
	}

	f := domain.NewFarm(in.Name, in.Address, in.Canton, in.Coordinates, in.Categories, s.now())
	if err := s.repo.Create(ctx, f); err != nil {
		return domain.Farm{}, domain.ErrDBUnavailable(err)
	}
	return f, nil
}

func (s *Service) List(ctx context.Context, limit int) ([]domain.Farm, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	farms, err := s.repo.List(ctx, limit)
	if err != nil {
		return nil, domain.ErrDBUnavailable(err)
	}
	return farms, nil
}

// validationError reports the first failing field.
func validationError(err error) error {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) || len(ves) == 0 {
		return domain.ErrInvalidField("body", err.Error())
	}
	fe := ves[0]
	field := fe.Field()
	if fe.Tag() == "required" {
		return domain.ErrMissingField(field)
	}
	return domain.ErrInvalidField(field, fe.Tag())
}
