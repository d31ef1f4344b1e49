package maxapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// videoQualities lists the stream keys of a video response, best first.
var videoQualities = []string{"MP4_1080", "MP4_720", "MP4_480", "MP4_360", "MP4_240", "MP4_144"}

const defaultFileName = "downloaded_file"

// Video resolves a video attachment and downloads the best available quality.
func (c *Client) Video(ctx context.Context, videoID int64) (*Media, error) {
	f, err := c.call(ctx, OpGetVideo, videoRequest{VideoID: videoID, Token: c.currentToken()})
	if err != nil {
		return nil, err
	}

	var url string
	for _, q := range videoQualities {
		if v := gjson.GetBytes(f.Payload, q); v.Type == gjson.String && v.Str != "" {
			url = v.Str
			break
		}
	}
	if url == "" {
		return nil, fmt.Errorf("video %d: %w", videoID, ErrMediaNotFound)
	}

	m, err := c.fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("video %d: %w", videoID, err)
	}
	if !strings.Contains(m.ContentType, "video") {
		return nil, &MediaTypeError{Want: "video", ContentType: m.ContentType}
	}
	return m, nil
}

// File resolves a file attachment of a message and downloads it.
func (c *Client) File(ctx context.Context, fileID int64, chatID, messageID string) (*Media, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return nil, err
	}
	f, err := c.call(ctx, OpGetFile, fileRequest{FileID: fileID, ChatID: id, MessageID: messageID})
	if err != nil {
		return nil, err
	}

	var resp fileResponse
	if err := f.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode file response: %w", err)
	}
	if resp.URL == "" {
		return nil, fmt.Errorf("file %d: %w", fileID, ErrMediaNotFound)
	}

	m, err := c.fetch(ctx, resp.URL)
	if err != nil {
		return nil, fmt.Errorf("file %d: %w", fileID, err)
	}
	if m.FileName == "" {
		m.FileName = defaultFileName
	}
	return m, nil
}

func (c *Client) fetch(ctx context.Context, url string) (*Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if ua := c.config.UserAgent.HeaderUserAgent; ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("download: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Media{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		FileName:    resp.Header.Get("X-File-Name"),
	}, nil
}
