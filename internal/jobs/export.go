package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sentiment-pipeline/internal/export"
	"sentiment-pipeline/internal/models"
)

// BuildExportOptions derives export options from a subtask payload. Every
// export stage calls it independently so a stage never depends on state
// produced by another.
func BuildExportOptions(payload map[string]any, userID string) (export.Options, error) {
	opts := export.Options{
		Format:   export.FormatCSV,
		DataType: export.DataMentions,
		UserID:   userID,
	}
	if f := stringField(payload, "format"); f != "" {
		opts.Format = export.Format(strings.ToLower(f))
	}
	if d := stringField(payload, "dataType"); d != "" {
		opts.DataType = export.DataType(strings.ToLower(d))
	}
	if id, ok := int64Field(payload, "integrationId"); ok && id > 0 {
		opts.IntegrationID = &id
	}
	if id, ok := int64Field(payload, "providerId"); ok && id > 0 {
		opts.ProviderID = &id
	}
	if b, ok := payload["includeAspectAnalyses"].(bool); ok {
		opts.IncludeAspectAnalyses = b
	}

	start, end := stringField(payload, "startDate"), stringField(payload, "endDate")
	if r, ok := payload["dateRange"].(map[string]any); ok {
		start, end = stringField(r, "start"), stringField(r, "end")
	}
	if start != "" || end != "" {
		if start == "" || end == "" {
			return export.Options{}, errors.New("date range needs both start and end")
		}
		s, err := parseDate(start)
		if err != nil {
			return export.Options{}, err
		}
		e, err := parseDate(end)
		if err != nil {
			return export.Options{}, err
		}
		opts.DateRange = &export.DateRange{Start: s, End: e}
	}

	if err := opts.Validate(); err != nil {
		return export.Options{}, err
	}
	return opts, nil
}

func parseDate(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", v)
}

// ExportStage names one step of the export pipeline.
type ExportStage string

const (
	ExportStageFetch    ExportStage = "fetch"
	ExportStageFormat   ExportStage = "format"
	ExportStageGenerate ExportStage = "generate"
)

// Exporter renders export data.
type Exporter interface {
	Export(ctx context.Context, opts export.Options) (export.Result, error)
}

// ExportProcessor runs one export stage. Failures are reported with the raw
// error message.
type ExportProcessor struct {
	stage    ExportStage
	owners   OwnerLookup
	exporter Exporter
	storage  export.Storage
	rep      reporter
}

func NewExportFetchProcessor(owners OwnerLookup, status StatusWriter, log *logrus.Entry) *ExportProcessor {
	return &ExportProcessor{stage: ExportStageFetch, owners: owners, rep: newReporter(status, log, "export_fetch")}
}

func NewExportFormatProcessor(owners OwnerLookup, exporter Exporter, status StatusWriter, log *logrus.Entry) *ExportProcessor {
	return &ExportProcessor{stage: ExportStageFormat, owners: owners, exporter: exporter, rep: newReporter(status, log, "export_format")}
}

func NewExportGenerateProcessor(owners OwnerLookup, exporter Exporter, storage export.Storage, status StatusWriter, log *logrus.Entry) *ExportProcessor {
	return &ExportProcessor{stage: ExportStageGenerate, owners: owners, exporter: exporter, storage: storage, rep: newReporter(status, log, "export_generate")}
}

func (p *ExportProcessor) Process(ctx context.Context, item models.SubTask) {
	defer p.rep.recover(ctx, item)

	if err := p.run(ctx, item); err != nil {
		p.rep.fail(ctx, item, err.Error())
		return
	}
	p.rep.complete(ctx, item)
}

func (p *ExportProcessor) run(ctx context.Context, item models.SubTask) error {
	owner, err := p.owners.GetTaskOwnerForSubTask(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("user not found for subtask: %w", err)
	}
	opts, err := BuildExportOptions(item.Data, owner.User.ID)
	if err != nil {
		return err
	}
	log := p.rep.itemLog(item).WithFields(logrus.Fields{
		"stage":     p.stage,
		"format":    opts.Format,
		"data_type": opts.DataType,
	})
	if p.stage == ExportStageFetch {
		log.Info("export options resolved")
		return nil
	}

	res, err := p.exporter.Export(ctx, opts)
	if err != nil {
		return err
	}
	if p.stage == ExportStageFormat {
		log.WithField("records", res.RecordCount).Info("export formatted")
		return nil
	}

	key := fmt.Sprintf("exports/%s/%s/%s", owner.User.ID, uuid.NewString(), res.FileName)
	location, err := p.storage.Upload(ctx, key, res.Content, res.ContentType)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"records":  res.RecordCount,
		"location": location,
	}).Info("export file generated")
	return nil
}
