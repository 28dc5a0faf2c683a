package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/media"
)

const imageField = "image"

type mediaApi struct {
	*handlerDeps
	svc media.ServiceInterface
}

func registerMediaAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps *handlerDeps, svc media.ServiceInterface) {
	api := mediaApi{handlerDeps: deps, svc: svc}

	mg := g.Group("/media", jwt, teacherMiddleware())
	mg.POST("/images", api.upload)
	mg.DELETE("/images", api.destroy)
}

func (api *mediaApi) upload(ctx echo.Context) error {
	fh, err := ctx.FormFile(imageField)
	if err != nil {
		return core.NewFieldValidationError(imageField, "an image file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return errors.Wrap(err, "opening uploaded file")
	}
	defer func() { _ = f.Close() }()

	img, err := api.svc.UploadImage(ctx.Request().Context(), f)
	if err != nil {
		return errors.Wrap(err, "uploading image")
	}
	return ctx.JSON(http.StatusCreated, img)
}

func (api *mediaApi) destroy(ctx echo.Context) error {
	key := ctx.QueryParam("key")
	if key == "" {
		return core.NewFieldValidationError("key", "this field is required")
	}
	if err := api.svc.DeleteImage(ctx.Request().Context(), key); err != nil {
		return errors.Wrap(err, "deleting image")
	}
	return ctx.NoContent(http.StatusNoContent)
}
