package httpserver

import (
	"net/http"
	"time"
	"unsafe"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	jsoniter "github.com/json-iterator/go"
	"github.com/modern-go/reflect2"
)

// timeRFC3339Encoder writes time.Time as UTC RFC3339 with millisecond
// precision, so clients see one stable timestamp shape.
type timeRFC3339Encoder struct{}

const apiTimeLayout = "2006-01-02T15:04:05.000Z07:00"

func (e *timeRFC3339Encoder) IsEmpty(ptr unsafe.Pointer) bool {
	return (*time.Time)(ptr).IsZero()
}

func (e *timeRFC3339Encoder) Encode(ptr unsafe.Pointer, stream *jsoniter.Stream) {
	stream.WriteString((*time.Time)(ptr).UTC().Format(apiTimeLayout))
}

type timeExt struct{ jsoniter.DummyExtension }

func (e *timeExt) CreateEncoder(typ reflect2.Type) jsoniter.ValEncoder {
	if typ == reflect2.TypeOfPtr((*time.Time)(nil)).Elem() {
		return &timeRFC3339Encoder{}
	}
	return nil
}

var jsonAPI = func() jsoniter.API {
	api := jsoniter.Config{EscapeHTML: true, SortMapKeys: true, ValidateJsonRawMessage: true}.Froze()
	api.RegisterExtension(&timeExt{})
	return api
}()

// JSONRFC renders JSON using json-iterator with our global options.
type JSONRFC struct{ Data any }

func (r JSONRFC) Render(w http.ResponseWriter) error {
	r.WriteContentType(w)
	return jsonAPI.NewEncoder(w).Encode(r.Data)
}

func (r JSONRFC) WriteContentType(w http.ResponseWriter) {
	header := w.Header()
	if val := header["Content-Type"]; len(val) == 0 {
		header["Content-Type"] = []string{"application/json; charset=utf-8"}
	}
}

// JSON is the unified JSON responder; prefer this over c.JSON to ensure global settings apply.
func (s *Server) JSON(c *gin.Context, code int, v any) {
	c.Render(code, JSONRFC{Data: v})
}

// bindJSON decodes the request body with the same codec used for responses
// and applies the struct's binding tags.
func bindJSON(c *gin.Context, v any) error {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	if err := jsonAPI.NewDecoder(c.Request.Body).Decode(v); err != nil {
		return err
	}
	return binding.Validator.ValidateStruct(v)
}
