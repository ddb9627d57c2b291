package validation

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"usr_01HZX", true},
		{"a-b_c", true},
		{"", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("a", 64), true},
		{strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidID(tt.id), tt.id)
	}
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/", IDParamMiddleware("id"))
	g.GET("/users/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	g.GET("/plain", func(c *gin.Context) { c.Status(http.StatusOK) })

	for path, want := range map[string]int{
		"/users/usr_1":      http.StatusOK,
		"/users/bad%20name": http.StatusBadRequest,
		"/plain":            http.StatusOK,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, w.Code, path)
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "abc", SanitizeString("a\x00b\x07c", 100))
	assert.Equal(t, "line\nnext", SanitizeString("line\nnext", 100))
	assert.Equal(t, "hel", SanitizeString("hello", 3))
	// "é" is two bytes; cutting at 2 must not leave half a rune.
	assert.Equal(t, "a", SanitizeString("aé", 2))
}

func TestMetadata(t *testing.T) {
	assert.NoError(t, Metadata(nil))
	assert.NoError(t, Metadata(map[string]string{"order": "o_1"}))
	assert.Error(t, Metadata(map[string]string{"": "x"}))
	assert.Error(t, Metadata(map[string]string{"k": strings.Repeat("v", MaxMetadataValue+1)}))

	big := make(map[string]string)
	for i := 0; i <= MaxMetadataKeys; i++ {
		big[fmt.Sprintf("k%d", i)] = "v"
	}
	assert.Error(t, Metadata(big))
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"0123456789"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, w.Code)
}
