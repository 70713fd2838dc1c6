package fetcher

import (
	"bufio"
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/tuner"
)

// LabelRecord is one ground-truth label row: whether the named entity truly
// has a signal in the given category. A validation set is a flat list of
// these, one row per (entity, category) pair.
type LabelRecord struct {
	EntityID   string            `json:"entity_id" xml:"entity_id"`
	Name       string            `json:"name" xml:"name"`
	Type       string            `json:"type" xml:"type"`
	Category   string            `json:"category" xml:"category"`
	Signal     bool              `json:"signal" xml:"signal"`
	Attributes map[string]string `json:"attributes,omitempty" xml:"-"`
}

// valsetDocument is the JSON object form: a named set with inline labels.
type valsetDocument struct {
	Name   string        `json:"name"`
	Labels []LabelRecord `json:"labels"`
}

// LoaderOptions configures a validation-set Loader.
type LoaderOptions struct {
	// HTTP handles http:// and https:// sources; defaults to NewHTTPFetcher.
	HTTP Fetcher
	// FTP handles ftp:// sources; defaults to NewFTPFetcher.
	FTP Fetcher
	// TempDir receives downloads of formats that need a seekable file
	// (XLSX); defaults to os.TempDir.
	TempDir string
}

// Loader reads validation sets for parameter tuning. The source format is
// chosen by file extension: .json, .csv, .xlsx, or .xml.
type Loader struct {
	http    Fetcher
	ftp     Fetcher
	tempDir string
	log     *zap.Logger
}

// NewLoader creates a Loader with the given options.
func NewLoader(opts LoaderOptions) *Loader {
	if opts.HTTP == nil {
		opts.HTTP = NewHTTPFetcher(HTTPOptions{})
	}
	if opts.FTP == nil {
		opts.FTP = NewFTPFetcher(FTPOptions{})
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &Loader{
		http:    opts.HTTP,
		ftp:     opts.FTP,
		tempDir: opts.TempDir,
		log:     zap.L().With(zap.String("component", "fetcher")),
	}
}

// Load reads the validation set at source, which may be a local path or an
// http(s):// or ftp:// URL.
func (l *Loader) Load(ctx context.Context, source string) (tuner.ValidationSet, error) {
	ext := strings.ToLower(filepath.Ext(source))
	name := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))

	switch ext {
	case ".json":
		r, err := l.open(ctx, source)
		if err != nil {
			return tuner.ValidationSet{}, err
		}
		defer r.Close() //nolint:errcheck
		return l.parseJSON(ctx, r, name)
	case ".csv":
		r, err := l.open(ctx, source)
		if err != nil {
			return tuner.ValidationSet{}, err
		}
		defer r.Close() //nolint:errcheck
		return l.parseCSV(ctx, r, name)
	case ".xml":
		r, err := l.open(ctx, source)
		if err != nil {
			return tuner.ValidationSet{}, err
		}
		defer r.Close() //nolint:errcheck
		return l.parseXML(ctx, r, name)
	case ".xlsx":
		path, cleanup, err := l.localPath(ctx, source)
		if err != nil {
			return tuner.ValidationSet{}, err
		}
		defer cleanup()
		return l.parseXLSX(path, name)
	default:
		return tuner.ValidationSet{}, eris.Errorf("fetcher: unsupported validation set format %q", ext)
	}
}

// open returns a reader for the source, downloading remote URLs.
func (l *Loader) open(ctx context.Context, source string) (io.ReadCloser, error) {
	switch scheme(source) {
	case "http", "https":
		return l.http.Download(ctx, source)
	case "ftp":
		return l.ftp.Download(ctx, source)
	default:
		f, err := os.Open(source)
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: open validation set")
		}
		return f, nil
	}
}

// localPath materializes the source as a local file, downloading it to the
// temp dir when remote. The cleanup func removes any temp file.
func (l *Loader) localPath(ctx context.Context, source string) (string, func(), error) {
	var fetcher Fetcher
	switch scheme(source) {
	case "http", "https":
		fetcher = l.http
	case "ftp":
		fetcher = l.ftp
	default:
		return source, func() {}, nil
	}

	tmp, err := os.CreateTemp(l.tempDir, "valset-*"+filepath.Ext(source))
	if err != nil {
		return "", nil, eris.Wrap(err, "fetcher: create temp file")
	}
	path := tmp.Name()
	if err := tmp.Close(); err != nil {
		return "", nil, eris.Wrap(err, "fetcher: close temp file")
	}
	if _, err := fetcher.DownloadToFile(ctx, source, path); err != nil {
		_ = os.Remove(path)
		return "", nil, err
	}
	return path, func() { _ = os.Remove(path) }, nil
}

func scheme(source string) string {
	u, err := url.Parse(source)
	if err != nil {
		return ""
	}
	return u.Scheme
}

// parseJSON accepts either a bare array of label records or a document
// object carrying a set name.
func (l *Loader) parseJSON(ctx context.Context, r io.Reader, name string) (tuner.ValidationSet, error) {
	br := bufio.NewReader(r)
	first, err := firstNonSpace(br)
	if err != nil {
		return tuner.ValidationSet{}, eris.Wrap(err, "fetcher: read validation set")
	}

	if first == '{' {
		doc, err := DecodeJSONObject[valsetDocument](br)
		if err != nil {
			return tuner.ValidationSet{}, err
		}
		if doc.Name != "" {
			name = doc.Name
		}
		return buildSet(name, doc.Labels)
	}

	var records []LabelRecord
	rowCh, errCh := DecodeJSONArray[LabelRecord](ctx, br)
	for rec := range rowCh {
		records = append(records, rec)
	}
	if err := <-errCh; err != nil {
		return tuner.ValidationSet{}, err
	}
	return buildSet(name, records)
}

func firstNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\n', '\r':
			if _, err := br.ReadByte(); err != nil {
				return 0, err
			}
		default:
			return b[0], nil
		}
	}
}

// csvColumns is the required header of CSV and XLSX validation sets.
var csvColumns = []string{"entity_id", "name", "type", "category", "signal"}

func (l *Loader) parseCSV(ctx context.Context, r io.Reader, name string) (tuner.ValidationSet, error) {
	headerCh := make(chan []string, 1)
	rowCh, errCh := StreamCSV(ctx, r, CSVOptions{
		HasHeader: true,
		HeaderCh:  headerCh,
		TrimSpace: true,
	})

	var records []LabelRecord
	var headerChecked bool
	for row := range rowCh {
		if !headerChecked {
			if err := checkHeader(<-headerCh); err != nil {
				return tuner.ValidationSet{}, err
			}
			headerChecked = true
		}
		rec, err := recordFromRow(row)
		if err != nil {
			return tuner.ValidationSet{}, err
		}
		records = append(records, rec)
	}
	if err := <-errCh; err != nil {
		return tuner.ValidationSet{}, err
	}
	return buildSet(name, records)
}

func (l *Loader) parseXLSX(path, name string) (tuner.ValidationSet, error) {
	rows, err := ReadXLSX(path, XLSXOptions{})
	if err != nil {
		return tuner.ValidationSet{}, err
	}
	if len(rows) == 0 {
		return tuner.ValidationSet{}, eris.New("fetcher: empty validation sheet")
	}
	if err := checkHeader(rows[0]); err != nil {
		return tuner.ValidationSet{}, err
	}

	var records []LabelRecord
	for _, row := range rows[1:] {
		rec, err := recordFromRow(row)
		if err != nil {
			return tuner.ValidationSet{}, err
		}
		records = append(records, rec)
	}
	return buildSet(name, records)
}

func (l *Loader) parseXML(ctx context.Context, r io.Reader, name string) (tuner.ValidationSet, error) {
	var records []LabelRecord
	rowCh, errCh := StreamXML[LabelRecord](ctx, r, "label")
	for rec := range rowCh {
		records = append(records, rec)
	}
	if err := <-errCh; err != nil {
		return tuner.ValidationSet{}, err
	}
	return buildSet(name, records)
}

func checkHeader(header []string) error {
	if len(header) < len(csvColumns) {
		return eris.Errorf("fetcher: header has %d columns, want %d", len(header), len(csvColumns))
	}
	for i, want := range csvColumns {
		if !strings.EqualFold(strings.TrimSpace(header[i]), want) {
			return eris.Errorf("fetcher: column %d is %q, want %q", i, header[i], want)
		}
	}
	return nil
}

func recordFromRow(row []string) (LabelRecord, error) {
	if len(row) < len(csvColumns) {
		return LabelRecord{}, eris.Errorf("fetcher: row has %d columns, want %d", len(row), len(csvColumns))
	}
	signal, err := strconv.ParseBool(strings.TrimSpace(row[4]))
	if err != nil {
		return LabelRecord{}, eris.Wrapf(err, "fetcher: bad signal value %q", row[4])
	}
	return LabelRecord{
		EntityID: strings.TrimSpace(row[0]),
		Name:     strings.TrimSpace(row[1]),
		Type:     strings.TrimSpace(row[2]),
		Category: strings.TrimSpace(row[3]),
		Signal:   signal,
	}, nil
}

// buildSet groups label rows by entity and validates every field against
// the closed category and entity-type sets.
func buildSet(name string, records []LabelRecord) (tuner.ValidationSet, error) {
	if len(records) == 0 {
		return tuner.ValidationSet{}, eris.New("fetcher: validation set has no labels")
	}

	entries := make(map[string]*tuner.LabeledEntity)
	var order []string
	for i, rec := range records {
		if rec.EntityID == "" {
			return tuner.ValidationSet{}, eris.Errorf("fetcher: label %d has no entity_id", i)
		}
		cat := model.Category(rec.Category)
		if _, ok := model.TemplateFor(cat); !ok {
			return tuner.ValidationSet{}, eris.Errorf("fetcher: unknown category %q for entity %s", rec.Category, rec.EntityID)
		}
		et, err := parseEntityType(rec.Type)
		if err != nil {
			return tuner.ValidationSet{}, eris.Wrapf(err, "fetcher: entity %s", rec.EntityID)
		}

		entry, ok := entries[rec.EntityID]
		if !ok {
			entry = &tuner.LabeledEntity{
				Entity: model.Entity{
					ID:         rec.EntityID,
					Name:       rec.Name,
					Type:       et,
					Attributes: rec.Attributes,
				},
				Signals: make(map[model.Category]bool),
			}
			entries[rec.EntityID] = entry
			order = append(order, rec.EntityID)
		}
		entry.Signals[cat] = rec.Signal
	}

	set := tuner.ValidationSet{Name: name}
	for _, id := range order {
		set.Entries = append(set.Entries, *entries[id])
	}
	return set, nil
}

func parseEntityType(s string) (model.EntityType, error) {
	switch model.EntityType(strings.ToLower(s)) {
	case model.EntityClub:
		return model.EntityClub, nil
	case model.EntityFederation:
		return model.EntityFederation, nil
	case model.EntityLeague:
		return model.EntityLeague, nil
	default:
		return "", eris.Errorf("unknown entity type %q", s)
	}
}
