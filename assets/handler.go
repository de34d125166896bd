package assets

import (
	"bytes"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/js"
)

const jsMediaType = "application/javascript"

var (
	minOnce sync.Once
	minJS   []byte
	minErr  error
)

// Minified returns the minified client script. It is computed once.
func Minified() ([]byte, error) {
	minOnce.Do(func() {
		m := minify.New()
		m.AddFunc(jsMediaType, js.Minify)
		minJS, minErr = m.Bytes(jsMediaType, Script())
		if minErr != nil {
			minErr = fmt.Errorf("assets: minify %s: %w", ScriptName, minErr)
		}
	})
	return minJS, minErr
}

// ClientScript returns the readable or minified client script.
func ClientScript(minified bool) ([]byte, error) {
	if minified {
		return Minified()
	}
	return Script(), nil
}

// ScriptHandler serves dmtp.js and dmtp.min.js. Mount it with
// http.StripPrefix; an empty path serves the minified script.
func ScriptHandler() http.Handler {
	return &scriptHandler{modTime: time.Now()}
}

type scriptHandler struct {
	modTime time.Time
}

func (h *scriptHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := path.Base(strings.TrimPrefix(r.URL.Path, "/"))
	if name == "." || name == "/" {
		name = MinScriptName
	}

	var data []byte
	switch name {
	case ScriptName:
		data = Script()
	case MinScriptName:
		var err error
		data, err = Minified()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	default:
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", jsMediaType)
	w.Header().Set("Cache-Control", "max-age=3600")
	http.ServeContent(w, r, name, h.modTime, bytes.NewReader(data))
}
