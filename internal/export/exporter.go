package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"sentiment-pipeline/internal/models"
)

// MentionRecord is one exported mention row.
type MentionRecord struct {
	ID             int64                    `json:"id"`
	Content        string                   `json:"content"`
	Sentiment      *string                  `json:"sentiment"`
	Score          *float64                 `json:"score"`
	Author         string                   `json:"author"`
	SourceURL      string                   `json:"source_url"`
	OriginLabel    string                   `json:"origin_label"`
	Provider       string                   `json:"provider"`
	PostTitle      string                   `json:"post_title"`
	PostURL        string                   `json:"post_url"`
	CreatedAt      time.Time                `json:"created_at"`
	AspectAnalyses []models.AspectSentiment `json:"aspect_analyses,omitempty"`
}

// SentimentCounts tallies mention labels under one post.
type SentimentCounts struct {
	Positive int `json:"positive"`
	Neutral  int `json:"neutral"`
	Negative int `json:"negative"`
}

// PostRecord is one exported post row.
type PostRecord struct {
	ID              int64                     `json:"id"`
	Title           string                    `json:"title"`
	Description     string                    `json:"description"`
	PostURL         string                    `json:"post_url"`
	ImageURL        string                    `json:"image_url"`
	PublishedAt     time.Time                 `json:"published_at"`
	CommentCount    int64                     `json:"comment_count"`
	Provider        string                    `json:"provider"`
	SentimentCounts SentimentCounts           `json:"sentiment_counts"`
	TotalMentions   int                       `json:"total_mentions"`
	AspectAnalyses  map[string]map[string]int `json:"aspect_analyses,omitempty"`
}

// Source loads the records an export covers.
type Source interface {
	ListMentionRecords(ctx context.Context, opts Options) ([]MentionRecord, error)
	ListPostRecords(ctx context.Context, opts Options) ([]PostRecord, error)
}

// Result is a formatted export file held in memory.
type Result struct {
	FileName    string
	ContentType string
	Content     []byte
	RecordCount int
}

// Exporter loads and formats export data.
type Exporter struct {
	source Source
	now    func() time.Time
}

func NewExporter(source Source) *Exporter {
	return &Exporter{source: source, now: time.Now}
}

// Export validates opts, loads the records and renders them as CSV or JSON.
func (e *Exporter) Export(ctx context.Context, opts Options) (Result, error) {
	if err := opts.Validate(); err != nil {
		return Result{}, err
	}

	var (
		records any
		count   int
		header  []string
		rows    [][]string
	)
	switch opts.DataType {
	case DataMentions:
		mentions, err := e.source.ListMentionRecords(ctx, opts)
		if err != nil {
			return Result{}, fmt.Errorf("load mentions: %w", err)
		}
		records, count = mentions, len(mentions)
		header, rows = mentionRows(mentions)
	case DataPosts:
		posts, err := e.source.ListPostRecords(ctx, opts)
		if err != nil {
			return Result{}, fmt.Errorf("load posts: %w", err)
		}
		records, count = posts, len(posts)
		header, rows = postRows(posts)
	default:
		return Result{}, fmt.Errorf("unsupported data type: %s", opts.DataType)
	}

	date := e.now().UTC().Format("2006-01-02")
	res := Result{
		FileName:    fmt.Sprintf("%s_export_%s.%s", opts.DataType, date, opts.Format),
		RecordCount: count,
	}
	switch opts.Format {
	case FormatCSV:
		content, err := writeCSV(header, rows)
		if err != nil {
			return Result{}, err
		}
		res.Content, res.ContentType = content, "text/csv"
	case FormatJSON:
		content, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return Result{}, fmt.Errorf("encode json: %w", err)
		}
		res.Content, res.ContentType = content, "application/json"
	default:
		return Result{}, fmt.Errorf("unsupported format: %s", opts.Format)
	}
	return res, nil
}

func writeCSV(header []string, rows [][]string) ([]byte, error) {
	if len(rows) == 0 {
		return []byte{}, nil
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write csv rows: %w", err)
	}
	return buf.Bytes(), nil
}

func mentionRows(mentions []MentionRecord) ([]string, [][]string) {
	header := []string{"id", "content", "sentiment", "score", "author", "source_url", "origin_label", "provider", "post_title", "post_url", "created_at"}
	rows := make([][]string, 0, len(mentions))
	for _, m := range mentions {
		rows = append(rows, []string{
			strconv.FormatInt(m.ID, 10),
			m.Content,
			deref(m.Sentiment),
			formatScore(m.Score),
			m.Author,
			m.SourceURL,
			m.OriginLabel,
			m.Provider,
			m.PostTitle,
			m.PostURL,
			m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return header, rows
}

func postRows(posts []PostRecord) ([]string, [][]string) {
	header := []string{"id", "title", "description", "post_url", "image_url", "published_at", "comment_count", "provider", "total_mentions", "positive_count", "neutral_count", "negative_count"}
	rows := make([][]string, 0, len(posts))
	for _, p := range posts {
		rows = append(rows, []string{
			strconv.FormatInt(p.ID, 10),
			p.Title,
			p.Description,
			p.PostURL,
			p.ImageURL,
			p.PublishedAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(p.CommentCount, 10),
			p.Provider,
			strconv.Itoa(p.TotalMentions),
			strconv.Itoa(p.SentimentCounts.Positive),
			strconv.Itoa(p.SentimentCounts.Neutral),
			strconv.Itoa(p.SentimentCounts.Negative),
		})
	}
	return header, rows
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatScore(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}
