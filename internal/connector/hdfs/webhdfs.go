package hdfs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/nucleus/collector/internal/connector/http"
)

// WebHDFS operations used by the connector.
const (
	OpListStatus = "LISTSTATUS"
	OpOpen       = "OPEN"
)

// BasePath prefixes every WebHDFS REST path.
const BasePath = "/webhdfs/v1"

// Entry types reported by LISTSTATUS.
const (
	TypeFile      = "FILE"
	TypeDirectory = "DIRECTORY"
)

// FileStatus is one LISTSTATUS entry.
type FileStatus struct {
	PathSuffix       string `json:"pathSuffix"`
	Type             string `json:"type"`
	Length           int64  `json:"length"`
	ModificationTime int64  `json:"modificationTime"`
	Owner            string `json:"owner"`
	Group            string `json:"group"`
	Permission       string `json:"permission"`
}

// ListStatusResponse is the WebHDFS LISTSTATUS payload.
type ListStatusResponse struct {
	FileStatuses struct {
		FileStatus []FileStatus `json:"FileStatus"`
	} `json:"FileStatuses"`
}

// webhdfs issues REST calls against a NameNode.
type webhdfs struct {
	client *http.Client
	user   string
}

func (w *webhdfs) query(op string, extra url.Values) url.Values {
	q := url.Values{"op": {op}}
	if w.user != "" {
		q.Set("user.name", w.user)
	}
	for k, v := range extra {
		q[k] = v
	}
	return q
}

// listStatus lists a directory.
func (w *webhdfs) listStatus(ctx context.Context, dir string) ([]FileStatus, error) {
	body, err := w.client.Get(ctx, restPath(dir), w.query(OpListStatus, nil))
	if err != nil {
		return nil, http.Classify(err, "webhdfs "+dir)
	}
	var out ListStatusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode liststatus %s: %w", dir, err)
	}
	return out.FileStatuses.FileStatus, nil
}

// readRange reads length bytes of a file starting at offset. The NameNode
// redirects OPEN to a DataNode; the client follows the redirect.
func (w *webhdfs) readRange(ctx context.Context, file string, offset, length int64) ([]byte, error) {
	q := w.query(OpOpen, url.Values{
		"offset": {strconv.FormatInt(offset, 10)},
		"length": {strconv.FormatInt(length, 10)},
	})
	body, err := w.client.Get(ctx, restPath(file), q)
	if err != nil {
		return nil, http.Classify(err, "webhdfs "+file)
	}
	return body, nil
}

// restPath escapes each segment of an absolute HDFS path.
func restPath(p string) string {
	p = path.Clean("/" + p)
	if p == "/" {
		return BasePath + "/"
	}
	segs := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return BasePath + "/" + strings.Join(segs, "/")
}
