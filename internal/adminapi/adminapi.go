package adminapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/talkincode/wacrm/internal/app"
	"github.com/talkincode/wacrm/internal/webserver"
)

// apiContext is the slice of the application the handlers use.
type apiContext interface {
	app.DBProvider
	app.WhatsAppProvider
	app.FanoutProvider
}

// Init registers every admin route on the web server.
func Init() {
	registerWhatsAppRoutes()
}

// Response is the success envelope.
type Response struct {
	Data interface{} `json:"data"`
}

// ErrorResponse is the failure envelope.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{Data: data})
}

func fail(c echo.Context, status int, code, message string, details interface{}) error {
	return c.JSON(status, ErrorResponse{Error: code, Message: message, Details: details})
}

func GetAppContext(c echo.Context) apiContext {
	return c.Get(webserver.ContextKey).(apiContext)
}

func parseIDParam(c echo.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}

func handleValidationError(c echo.Context, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[strings.ToLower(fe.Field())] = fe.Tag()
		}
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Request validation failed", fields)
	}
	return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Request validation failed", err.Error())
}
