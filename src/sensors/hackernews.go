package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/stake-plus/gosling/src/events"
)

const (
	hnBaseURL  = "https://hacker-news.firebaseio.com/v0"
	hnMaxItems = 10
)

// HackerNews polls the front page and emits stories it has not seen before.
// It is the built-in reference sensor; anything implementing Sensor can sit
// next to it.
type HackerNews struct {
	baseURL  string
	interval time.Duration
	client   *http.Client

	seen *SeenSet
}

func NewHackerNews(stateDir string, interval time.Duration) *HackerNews {
	return &HackerNews{
		baseURL:  hnBaseURL,
		interval: interval,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		seen: LoadSeenSet(filepath.Join(stateDir, "seen_hackernews.json"), 2000),
	}
}

func (h *HackerNews) Name() string            { return "hackernews" }
func (h *HackerNews) Interval() time.Duration { return h.interval }

type hnStory struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
	Score int    `json:"score"`
	By    string `json:"by"`
}

func (h *HackerNews) Tick(ctx context.Context, sc Context) ([]events.Event, error) {
	var ids []int
	if err := h.get(ctx, sc, "/topstories.json", &ids); err != nil {
		return nil, fmt.Errorf("top stories: %w", err)
	}

	var out []events.Event
	var fetched []string
	for _, id := range ids {
		if len(out) >= hnMaxItems {
			break
		}
		key := fmt.Sprintf("hn-%d", id)
		if h.seen.Seen(key) {
			continue
		}
		var story hnStory
		if err := h.get(ctx, sc, fmt.Sprintf("/item/%d.json", id), &story); err != nil {
			// Nothing is marked seen on a failed tick, so every story
			// fetched this round is offered again on the next poll.
			return nil, fmt.Errorf("story %d: %w", id, err)
		}
		fetched = append(fetched, key)
		if story.Title == "" {
			continue
		}
		url := story.URL
		if url == "" {
			url = fmt.Sprintf("https://news.ycombinator.com/item?id=%d", story.ID)
		}
		out = append(out, events.Event{
			Type:    events.TypeWorldNewsItem,
			Source:  h.Name(),
			Message: story.Title,
			Metadata: map[string]interface{}{
				"id":      key,
				"title":   story.Title,
				"url":     url,
				"summary": fmt.Sprintf("%d points, by %s", story.Score, story.By),
			},
		})
	}
	h.seen.AddAll(fetched)
	return out, nil
}

func (h *HackerNews) get(ctx context.Context, sc Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", h.baseURL+path, nil)
	if err != nil {
		return err
	}
	if sc.Identity != "" {
		req.Header.Set("User-Agent", sc.Identity)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
