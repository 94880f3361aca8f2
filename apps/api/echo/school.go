package echoapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/feeledger/core/school"
)

type schoolApi struct {
	svc *school.Service
}

type statusRequest struct {
	Status school.Status `json:"status"`
}

func registerSchoolAPI(g *echo.Group, jwt, nudge echo.MiddlewareFunc, svc *school.Service) {
	api := schoolApi{svc: svc}

	sg := g.Group("/schools", jwt, nudge)
	sg.GET("", api.query)
	sg.POST("", api.create, adminMiddleware())
	sg.GET("/:id", api.retrieve)
	sg.PUT("/:id", api.update)
	sg.PUT("/:id/status", api.setStatus, adminMiddleware())

	stg := g.Group("/students", jwt, nudge)
	stg.GET("", api.queryStudents)
	stg.POST("", api.createStudent)
	stg.GET("/:id", api.retrieveStudent)
	stg.PUT("/:id", api.updateStudent)
	stg.DELETE("/:id", api.destroyStudent)
}

// pathID reads a positive integer path param; anything else is a 404.
func pathID(ctx echo.Context, name ...string) (int64, error) {
	param := "id"
	if len(name) > 0 {
		param = name[0]
	}
	id, err := strconv.ParseInt(ctx.Param(param), 10, 64)
	if err != nil || id <= 0 {
		return 0, errHttpNotFound
	}
	return id, nil
}

// Handlers

func (api *schoolApi) create(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	var data school.NewSchool
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewSchool")
	}

	sch, err := api.svc.Create(ctx.Request().Context(), sess, data)
	if err != nil {
		return errors.Wrap(err, "creating school")
	}
	return ctx.JSON(http.StatusCreated, sch)
}

func (api *schoolApi) query(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	filter := new(school.QueryFilter)
	if err = ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []school.School{})
	}

	schools, err := api.svc.Query(ctx.Request().Context(), sess, *filter)
	if err != nil {
		return errors.Wrap(err, "querying schools")
	}
	if schools == nil {
		schools = []school.School{}
	}
	return ctx.JSON(http.StatusOK, schools)
}

func (api *schoolApi) retrieve(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	id, err := pathID(ctx)
	if err != nil {
		return err
	}
	sch, err := api.svc.Get(ctx.Request().Context(), sess, id)
	if err != nil {
		return errors.Wrap(err, "retrieving school")
	}
	return ctx.JSON(http.StatusOK, sch)
}

func (api *schoolApi) update(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	id, err := pathID(ctx)
	if err != nil {
		return err
	}
	var data school.UpdateSchool
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateSchool")
	}

	sch, err := api.svc.Update(ctx.Request().Context(), sess, id, data)
	if err != nil {
		return errors.Wrap(err, "updating school")
	}
	return ctx.JSON(http.StatusOK, sch)
}

func (api *schoolApi) setStatus(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	id, err := pathID(ctx)
	if err != nil {
		return err
	}
	var data statusRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to statusRequest")
	}

	sch, err := api.svc.SetStatus(ctx.Request().Context(), sess, id, data.Status)
	if err != nil {
		return errors.Wrap(err, "setting school status")
	}
	return ctx.JSON(http.StatusOK, sch)
}

func (api *schoolApi) createStudent(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	var data school.NewStudent
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewStudent")
	}

	std, err := api.svc.CreateStudent(ctx.Request().Context(), sess, data)
	if err != nil {
		return errors.Wrap(err, "creating student")
	}
	return ctx.JSON(http.StatusCreated, std)
}

func (api *schoolApi) queryStudents(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	filter := new(school.StudentFilter)
	if err = ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []school.Student{})
	}

	students, err := api.svc.QueryStudents(ctx.Request().Context(), sess, *filter)
	if err != nil {
		return errors.Wrap(err, "querying students")
	}
	if students == nil {
		students = []school.Student{}
	}
	return ctx.JSON(http.StatusOK, students)
}

func (api *schoolApi) retrieveStudent(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	id, err := pathID(ctx)
	if err != nil {
		return err
	}
	std, err := api.svc.GetStudent(ctx.Request().Context(), sess, id)
	if err != nil {
		return errors.Wrap(err, "retrieving student")
	}
	return ctx.JSON(http.StatusOK, std)
}

func (api *schoolApi) updateStudent(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	id, err := pathID(ctx)
	if err != nil {
		return err
	}
	var data school.UpdateStudent
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateStudent")
	}

	std, err := api.svc.UpdateStudent(ctx.Request().Context(), sess, id, data)
	if err != nil {
		return errors.Wrap(err, "updating student")
	}
	return ctx.JSON(http.StatusOK, std)
}

func (api *schoolApi) destroyStudent(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	id, err := pathID(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.DeleteStudent(ctx.Request().Context(), sess, id); err != nil {
		return errors.Wrap(err, "deleting student")
	}
	return ctx.NoContent(http.StatusNoContent)
}
