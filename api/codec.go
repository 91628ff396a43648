package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
)

var errBodyTooLarge = errors.New("request body too large")

// sonicSerializer encodes echo JSON responses with sonic.
type sonicSerializer struct{}

func (sonicSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (sonicSerializer) Deserialize(c echo.Context, i any) error {
	return sonic.ConfigStd.NewDecoder(c.Request().Body).Decode(i)
}

// decodeBody reads at most maxSize bytes of JSON into dst, rejecting unknown
// fields. An empty body leaves dst untouched and reports false.
func decodeBody(c echo.Context, maxSize int64, dst any) (bool, error) {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxSize+1))
	if err != nil {
		return false, err
	}
	if int64(len(raw)) > maxSize {
		return false, errBodyTooLarge
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return false, nil
	}
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return false, err
	}
	return true, nil
}

func badBody(c echo.Context, err error) error {
	if errors.Is(err, errBodyTooLarge) {
		return c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error(), Kind: "validation"})
	}
	return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body", Kind: "validation"})
}
