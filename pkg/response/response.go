package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

const (
	CodeWalletNotFound      = 1001
	CodeWalletStatusInvalid = 1002
	CodeBalanceNotEnough    = 1003
	CodeNonZeroBalance      = 1004
	CodeEscrowNotFound      = 1005
	CodeAlreadySettled      = 1006
	CodeLimitExceeded       = 1007
	CodeLedgerImbalance     = 1008
	CodeAlertNotFound       = 1009
	CodeAlertStatusInvalid  = 1010
	CodeTierOutOfRange      = 1011
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
