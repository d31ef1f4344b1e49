package maxapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/video.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("mp4-bytes:" + r.Header.Get("User-Agent")))
	})
	mux.HandleFunc("/page.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	})
	mux.HandleFunc("/report.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("X-File-Name", "report.pdf")
		w.Write([]byte("%PDF"))
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("blob"))
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestVideo(t *testing.T) {
	media := newMediaServer(t)

	tests := []struct {
		name  string
		reply map[string]any
		check func(t *testing.T, m *Media, err error)
	}{
		{
			name:  "best quality",
			reply: map[string]any{"MP4_720": media.URL + "/page.html", "MP4_1080": media.URL + "/video.mp4"},
			check: func(t *testing.T, m *Media, err error) {
				require.NoError(t, err)
				assert.Equal(t, "video/mp4", m.ContentType)
				assert.Equal(t, "mp4-bytes:"+DefaultUserAgent().HeaderUserAgent, string(m.Data))
			},
		},
		{
			name:  "lower quality fallback",
			reply: map[string]any{"MP4_480": media.URL + "/video.mp4"},
			check: func(t *testing.T, m *Media, err error) {
				require.NoError(t, err)
				assert.Equal(t, "video/mp4", m.ContentType)
			},
		},
		{
			name:  "no url",
			reply: map[string]any{"EXTERNAL": "https://example.com"},
			check: func(t *testing.T, m *Media, err error) {
				assert.ErrorIs(t, err, ErrMediaNotFound)
			},
		},
		{
			name:  "wrong content type",
			reply: map[string]any{"MP4_1080": media.URL + "/page.html"},
			check: func(t *testing.T, m *Media, err error) {
				var typeErr *MediaTypeError
				require.True(t, errors.As(err, &typeErr), "got %v", err)
				assert.Equal(t, "text/html", typeErr.ContentType)
			},
		},
		{
			name:  "http error",
			reply: map[string]any{"MP4_1080": media.URL + "/gone"},
			check: func(t *testing.T, m *Media, err error) {
				assert.ErrorContains(t, err, "HTTP 410")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeServer(t)
			s.setHandler(func(f inbound) (any, replyAction) {
				if f.Opcode == OpGetVideo {
					return tt.reply, actReply
				}
				return nil, actDefault
			})
			c := connectTestClient(t, s)

			m, err := c.Video(context.Background(), 321)
			tt.check(t, m, err)

			var req videoRequest
			s.receivedOp(OpGetVideo)[0].decode(t, &req)
			assert.Equal(t, videoRequest{VideoID: 321, Token: "test-token"}, req)
		})
	}
}

func TestFile(t *testing.T) {
	media := newMediaServer(t)

	newClient := func(t *testing.T, url string) (*Client, *fakeServer) {
		s := newFakeServer(t)
		s.setHandler(func(f inbound) (any, replyAction) {
			if f.Opcode == OpGetFile {
				return map[string]any{"url": url}, actReply
			}
			return nil, actDefault
		})
		return connectTestClient(t, s), s
	}

	t.Run("named file", func(t *testing.T) {
		c, s := newClient(t, media.URL+"/report.pdf")

		m, err := c.File(context.Background(), 99, "12345", "115000000000000001")
		require.NoError(t, err)
		assert.Equal(t, "report.pdf", m.FileName)
		assert.Equal(t, "%PDF", string(m.Data))

		var req fileRequest
		s.receivedOp(OpGetFile)[0].decode(t, &req)
		assert.Equal(t, fileRequest{FileID: 99, ChatID: 12345, MessageID: "115000000000000001"}, req)
	})

	t.Run("default name", func(t *testing.T) {
		c, _ := newClient(t, media.URL+"/blob")

		m, err := c.File(context.Background(), 99, "12345", "1")
		require.NoError(t, err)
		assert.Equal(t, "downloaded_file", m.FileName)
	})

	t.Run("no url", func(t *testing.T) {
		c, _ := newClient(t, "")

		_, err := c.File(context.Background(), 99, "12345", "1")
		assert.ErrorIs(t, err, ErrMediaNotFound)
	})
}
