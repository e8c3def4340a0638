package medianode

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StreamCounter queries a media relay node for the number of current
// subscribers on a stream, the Go analogue of the original's ZLMediaKit
// callback::get_stream_count collaborator that the invite orchestrator's
// re-attach path uses to decide whether a cached session still actually
// has a live stream on its node.
type StreamCounter interface {
	StreamCount(node Node, streamID string) (int, error)
}

// ZLMStreamCounter queries a ZLMediaKit relay node's getMediaList HTTP
// API (hit over the node's local_ip/local_port, same as the original's
// callback hits stream_node.get_local_ip()/get_local_port()).
type ZLMStreamCounter struct {
	Secret string
	Client *http.Client
}

type zlmMediaListResponse struct {
	Code int `json:"code"`
	Data []struct {
		Stream           string `json:"stream"`
		TotalReaderCount int    `json:"totalReaderCount"`
	} `json:"data"`
}

// StreamCount sums totalReaderCount across every track ZLMediaKit
// reports for streamID. Any failure to reach or parse the relay's
// response is surfaced as an error, letting the caller decide whether
// to treat it as "stream gone" (the conservative choice the re-attach
// path makes).
func (z ZLMStreamCounter) StreamCount(node Node, streamID string) (int, error) {
	client := z.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	u := fmt.Sprintf("http://%s:%d/index/api/getMediaList?secret=%s&stream=%s",
		node.LocalIP, node.LocalPort, url.QueryEscape(z.Secret), url.QueryEscape(streamID))
	resp, err := client.Get(u)
	if err != nil {
		return 0, fmt.Errorf("medianode: query stream count: %w", err)
	}
	defer resp.Body.Close()

	var parsed zlmMediaListResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("medianode: decode stream count response: %w", err)
	}
	total := 0
	for _, m := range parsed.Data {
		if m.Stream == streamID {
			total += m.TotalReaderCount
		}
	}
	return total, nil
}
