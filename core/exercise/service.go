package exercise

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/media"
	"github.com/classesnumeriques/platform/core/user"
)

var (
	ErrNotFound  = errors.New("exercise not found")
	ErrForbidden = errors.New("you cannot access this exercise")

	cacheKeyPrefix = "exercise:"
	copySuffix     = " (copie)"
)

type (
	// EnrollmentChecker reports whether a student belongs to a class.
	EnrollmentChecker interface {
		IsEnrolled(ctx context.Context, classID, studentID string) (bool, error)
	}

	ServiceInterface interface {
		Create(ctx context.Context, teacher user.User, ne NewExercise) (Exercise, error)
		// Get returns the exercise, from the cache when possible.
		Get(ctx context.Context, id string) (Exercise, error)
		Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Exercise, error)
		Update(ctx context.Context, ex Exercise, ue UpdateExercise) (Exercise, error)
		Save(ctx context.Context, ex Exercise) (Exercise, error)
		Delete(ctx context.Context, id string) error
		// Duplicate copies `ex` for `teacher`, without its class.
		Duplicate(ctx context.Context, ex Exercise, teacher user.User) (Exercise, error)
		// CanManage reports whether `usr` is the exercise author or an admin.
		CanManage(usr user.User, ex Exercise) bool
		// CanView reports whether `usr` may see & attempt the exercise.
		CanView(ctx context.Context, usr user.User, ex Exercise) (bool, error)
		// NormalizeImages rewrites legacy image paths of all exercises and returns the number of updated exercises.
		NormalizeImages(ctx context.Context, dryRun bool) (int, error)
	}

	service struct {
		repo        Repository
		enrollments EnrollmentChecker
		cache       core.Cache
		cacheTTL    time.Duration
		logger      core.Logger
		nowFunc     func() time.Time
	}
)

var _ ServiceInterface = (*service)(nil) // interface compliance check

func NewService(repo Repository, enrollments EnrollmentChecker, cache core.Cache, logger core.Logger) *service {
	return &service{
		repo:        repo,
		enrollments: enrollments,
		cache:       cache,
		cacheTTL:    core.Conf.Cache.TTL,
		logger:      logger,
		nowFunc:     time.Now,
	}
}

func (svc *service) now() time.Time {
	return svc.nowFunc().UTC()
}

func (svc *service) Create(ctx context.Context, teacher user.User, ne NewExercise) (Exercise, error) {
	now := svc.now()
	ex, err := svc.repo.CreateExercise(ctx, Exercise{
		Title:       ne.Title,
		Description: ne.Description,
		Subject:     ne.Subject,
		Level:       ne.Level,
		Type:        ne.Type,
		Content:     ne.Content,
		ImageURL:    media.NormalizePath(ne.ImageURL),
		MaxAttempts: ne.MaxAttempts,
		TeacherID:   teacher.ID,
		ClassID:     ne.ClassID,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	return ex, errors.Wrap(err, "creating exercise")
}

func (svc *service) Get(ctx context.Context, id string) (Exercise, error) {
	key := cacheKeyPrefix + id
	if data, found, err := svc.cache.Get(ctx, key); err != nil {
		svc.logger.Warn("reading exercise cache: "+err.Error(), err)
	} else if found {
		var ex Exercise
		if err = sonic.Unmarshal(data, &ex); err == nil {
			return ex, nil
		}
		svc.logger.Warn("decoding cached exercise: "+err.Error(), err)
	}

	ex, err := svc.repo.GetExercise(ctx, id)
	if err != nil {
		return Exercise{}, err
	}
	if data, err := sonic.Marshal(ex); err == nil {
		if err = svc.cache.Set(ctx, key, data, svc.cacheTTL); err != nil {
			svc.logger.Warn("writing exercise cache: "+err.Error(), err)
		}
	}
	return ex, nil
}

func (svc *service) Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Exercise, error) {
	ordering = core.FilterOrdering(ordering, "title", "subject", "level", "exercise_type", "created_at", "updated_at")
	return svc.repo.QueryExercises(ctx, filter, ordering)
}

func (svc *service) Update(ctx context.Context, ex Exercise, ue UpdateExercise) (Exercise, error) {
	ex.Title = ue.Title
	if ue.Description != nil {
		ex.Description = *ue.Description
	}
	if ue.Subject != nil {
		ex.Subject = *ue.Subject
	}
	if ue.Level != nil {
		ex.Level = *ue.Level
	}
	if ue.ImageURL != nil {
		ex.ImageURL = media.NormalizePath(*ue.ImageURL)
	}
	if ue.MaxAttempts != nil {
		ex.MaxAttempts = *ue.MaxAttempts
	}
	if ue.ClassID != nil {
		ex.ClassID = *ue.ClassID
	}
	if ue.Content != nil {
		ex.Content = ue.Content
	}
	return svc.Save(ctx, ex)
}

// Save persists all the fields of an existing exercise.
func (svc *service) Save(ctx context.Context, ex Exercise) (Exercise, error) {
	ex.UpdatedAt = svc.now()
	ex, err := svc.repo.UpdateExercise(ctx, ex)
	if err != nil {
		return Exercise{}, errors.Wrap(err, "updating exercise")
	}
	svc.invalidate(ctx, ex.ID)
	return ex, nil
}

func (svc *service) Delete(ctx context.Context, id string) error {
	if err := svc.repo.DeleteExercise(ctx, id); err != nil {
		return err
	}
	svc.invalidate(ctx, id)
	return nil
}

func (svc *service) Duplicate(ctx context.Context, ex Exercise, teacher user.User) (Exercise, error) {
	content := make(json.RawMessage, len(ex.Content))
	copy(content, ex.Content)

	now := svc.now()
	dup, err := svc.repo.CreateExercise(ctx, Exercise{
		Title:       ex.Title + copySuffix,
		Description: ex.Description,
		Subject:     ex.Subject,
		Level:       ex.Level,
		Type:        ex.Type,
		Content:     content,
		ImageURL:    ex.ImageURL,
		MaxAttempts: ex.MaxAttempts,
		TeacherID:   teacher.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	return dup, errors.Wrap(err, "duplicating exercise")
}

func (svc *service) CanManage(usr user.User, ex Exercise) bool {
	return usr.IsAdmin() || (usr.IsTeacher() && ex.TeacherID == usr.ID)
}

func (svc *service) CanView(ctx context.Context, usr user.User, ex Exercise) (bool, error) {
	if svc.CanManage(usr, ex) {
		return true, nil
	}
	if usr.IsTeacher() {
		return false, nil
	}
	if ex.ClassID == "" {
		return true, nil
	}
	enrolled, err := svc.enrollments.IsEnrolled(ctx, ex.ClassID, usr.ID)
	return enrolled, errors.Wrap(err, "checking enrollment")
}

func (svc *service) NormalizeImages(ctx context.Context, dryRun bool) (int, error) {
	exercises, err := svc.repo.QueryExercises(ctx, nil, nil)
	if err != nil {
		return 0, errors.Wrap(err, "querying exercises")
	}

	var n int
	for _, ex := range exercises {
		fixed, changed, err := NormalizeImagePaths(ex)
		if err != nil {
			svc.logger.Warn("normalizing images of exercise "+ex.ID+": "+err.Error(), err)
			continue
		}
		if !changed {
			continue
		}
		n++
		if dryRun {
			continue
		}
		if _, err = svc.Save(ctx, fixed); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (svc *service) invalidate(ctx context.Context, id string) {
	if err := svc.cache.Delete(ctx, cacheKeyPrefix+id); err != nil {
		svc.logger.Warn("invalidating exercise cache: "+err.Error(), err)
	}
}

// NormalizeImagePaths returns `ex` with all its image references normalized, and whether anything changed.
func NormalizeImagePaths(ex Exercise) (Exercise, bool, error) {
	changed := false
	fix := func(p *string) {
		if n := media.NormalizePath(*p); n != *p {
			*p = n
			changed = true
		}
	}
	fix(&ex.ImageURL)
	urlChanged := changed
	changed = false

	var content interface{}
	switch ex.Type {
	case TypeQCM:
		var c QCMContent
		if err := DecodeContent(ex.Content, &c); err != nil {
			return ex, false, err
		}
		for i := range c.Questions {
			fix(&c.Questions[i].ImageURL)
		}
		content = c
	case TypeImageLabeling:
		var c ImageLabelingContent
		if err := DecodeContent(ex.Content, &c); err != nil {
			return ex, false, err
		}
		fix(&c.MainImage)
		content = c
	case TypeFlashcards:
		var c FlashcardsContent
		if err := DecodeContent(ex.Content, &c); err != nil {
			return ex, false, err
		}
		for i := range c.Cards {
			fix(&c.Cards[i].FrontImage)
		}
		content = c
	case TypePairs:
		var c PairsContent
		if err := DecodeContent(ex.Content, &c); err != nil {
			return ex, false, err
		}
		for i := range c.Pairs {
			if c.Pairs[i].Left.Type == "image" {
				fix(&c.Pairs[i].Left.Content)
			}
			if c.Pairs[i].Right.Type == "image" {
				fix(&c.Pairs[i].Right.Content)
			}
		}
		content = c
	}

	if content != nil && changed {
		data, err := sonic.Marshal(content)
		if err != nil {
			return ex, false, errors.Wrap(err, "encoding content")
		}
		ex.Content = data
	}
	return ex, changed || urlChanged, nil
}
