package token

import (
	"encoding/base64"
	"strings"

	xerrors "AgentForge/internal/errors"
)

var allowedMIME = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
}

// Image 是解码后的图片。
type Image struct {
	MIME string
	Data []byte
}

// DecodeImage 解析 data URL，仅接受 PNG 与 JPEG 且不超过 2MB。
func DecodeImage(dataURL string) (Image, error) {
	header, payload, ok := strings.Cut(dataURL, ",")
	if !ok {
		return Image{}, invalidImage("missing data url header")
	}
	mime := mimeFromHeader(header)
	if !allowedMIME[mime] {
		return Image{}, invalidImage("unsupported mime " + mime)
	}
	payload = strings.TrimSpace(payload)
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return Image{}, invalidImage("payload is not base64")
		}
	}
	if len(data) > MaxImageBytes {
		return Image{}, ImageTooLarge(nil)
	}
	return Image{MIME: mime, Data: data}, nil
}

// ImageTooLarge 返回图片超限的校验错误，cause 可为空。
func ImageTooLarge(cause error) error {
	opt := xerrors.WithField("imageData", msgImageTooLarge)
	if cause == nil {
		return xerrors.New(xerrors.CodeValidation, msgImageTooLarge, opt)
	}
	return xerrors.Wrap(xerrors.CodeValidation, cause, msgImageTooLarge, opt)
}

// mimeFromHeader 提取 "data:image/png;base64" 中的 mime。
func mimeFromHeader(header string) string {
	_, rest, ok := strings.Cut(header, ":")
	if !ok {
		return ""
	}
	mime, _, ok := strings.Cut(rest, ";")
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(mime))
}

func invalidImage(reason string) error {
	return xerrors.New(xerrors.CodeValidation, msgInvalidImage, xerrors.WithField("imageData", reason))
}
