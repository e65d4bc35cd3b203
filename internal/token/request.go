// Package token implements the token-creation pipeline: request validation,
// wallet ownership checks, image decoding, metadata upload, the retried
// create transaction and the persisted deployment record.
package token

import (
	"encoding/base64"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	xerrors "AgentForge/internal/errors"
)

const (
	// MaxImageBytes 是解码后图片的最大字节数。
	MaxImageBytes = 2 * 1024 * 1024

	msgImageTooLarge   = "Image too large (max 2MB)"
	msgInvalidImage    = "Invalid image format. Only PNG and JPEG are allowed."
	msgInvalidRequest  = "Invalid token request"
	msgWalletForbidden = "Wallet not authorized for this agent"
)

// Request 是部署 token 的请求体。
type Request struct {
	Name          string  `json:"name" validate:"min=2,max=25"`
	Symbol        string  `json:"symbol" validate:"min=2,max=10"`
	Description   string  `json:"description" validate:"max=500"`
	Twitter       string  `json:"twitter,omitempty" validate:"omitempty,url"`
	Telegram      string  `json:"telegram,omitempty" validate:"omitempty,url"`
	Website       string  `json:"website,omitempty" validate:"omitempty,url"`
	ImageData     string  `json:"imageData" validate:"required,imagesize"`
	WalletAddress string  `json:"walletAddress" validate:"required"`
	AgentID       string  `json:"agentId" validate:"required,uuid"`
	Amount        float64 `json:"amount,omitempty" validate:"gte=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("imagesize", func(fl validator.FieldLevel) bool {
		return estimatedImageSize(fl.Field().String()) <= MaxImageBytes
	})
	return v
}

// estimatedImageSize 根据 base64 长度估算解码后的字节数，避免在校验阶段分配内存。
func estimatedImageSize(dataURL string) int {
	payload := dataURL
	if idx := strings.IndexByte(dataURL, ','); idx >= 0 {
		payload = dataURL[idx+1:]
	}
	payload = strings.TrimRight(strings.TrimSpace(payload), "=")
	return base64.RawStdEncoding.DecodedLen(len(payload))
}

// Validate 校验请求字段，返回带字段明细的 VALIDATION_FAILED 错误。
func (r Request) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return xerrors.Wrap(xerrors.CodeValidation, err, msgInvalidRequest)
	}
	message := msgInvalidRequest
	opts := make([]xerrors.Option, 0, len(verrs))
	for _, fe := range verrs {
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		if fe.Tag() == "imagesize" {
			message = msgImageTooLarge
			reason = msgImageTooLarge
		}
		opts = append(opts, xerrors.WithField(fe.Field(), reason))
	}
	return xerrors.New(xerrors.CodeValidation, message, opts...)
}
