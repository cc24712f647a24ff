package importer

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/scrypster/keepsake/internal/service"
	"github.com/scrypster/keepsake/pkg/types"
)

// Sink receives parsed chunks. *service.MemoryService satisfies it; the
// narrow interface keeps the importer testable without a backend.
type Sink interface {
	StoreMemory(ctx context.Context, in service.StoreInput) *service.StoreResult
}

// Options configures one ingestion run.
type Options struct {
	// Tags are added to every stored memory on top of the tags the file
	// itself carries.
	Tags []string

	// ChunkSize caps each stored memory at this many characters. Zero
	// keeps files whole and leaves any splitting to the memory service.
	ChunkSize int

	// ChunkOverlap is the character overlap between consecutive chunks.
	ChunkOverlap int

	// MemoryType is used when the file's frontmatter does not name one.
	// Empty defaults to "document".
	MemoryType string
}

// Report summarizes an ingestion run. Duplicates are files or chunks the
// store already held; they are not failures.
type Report struct {
	FilesScanned    int      `json:"files_scanned"`
	FilesFailed     int      `json:"files_failed"`
	MemoriesCreated int      `json:"memories_created"`
	Duplicates      int      `json:"duplicates"`
	Failures        int      `json:"failures"`
	Errors          []string `json:"errors,omitempty"`
}

// maxReportErrors caps the error list so a directory of broken files
// cannot blow up the response.
const maxReportErrors = 20

func (r *Report) addError(err error) {
	if len(r.Errors) < maxReportErrors {
		r.Errors = append(r.Errors, err.Error())
	}
}

// supportedExtensions are the file types the importer reads. Markdown
// gets frontmatter and hashtag parsing; plain text is stored as-is.
var supportedExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".txt":      true,
	".text":     true,
}

// Importer stores the contents of markdown and text files through a
// memory sink.
type Importer struct {
	sink Sink
	opts Options
}

// New builds an importer over the given sink.
func New(sink Sink, opts Options) *Importer {
	if opts.MemoryType == "" {
		opts.MemoryType = "document"
	}
	return &Importer{sink: sink, opts: opts}
}

// IngestPath ingests a single file or, for a directory, every supported
// file under it.
func (i *Importer) IngestPath(ctx context.Context, path string) (*Report, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", path, err)
	}
	if info.IsDir() {
		return i.IngestDirectory(ctx, path)
	}
	report := &Report{}
	i.ingestFile(ctx, path, report)
	return report, nil
}

// IngestDirectory walks dir recursively and ingests every supported
// file. Hidden files and directories (dot-prefixed) are skipped. Broken
// files are reported and skipped; only the walk itself can fail the run.
func (i *Importer) IngestDirectory(ctx context.Context, dir string) (*Report, error) {
	report := &Report{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !supportedExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		i.ingestFile(ctx, path, report)
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("ingest %s: %w", dir, err)
	}
	return report, nil
}

// ingestFile parses, chunks, and stores one file, folding the outcome
// into the report.
func (i *Importer) ingestFile(ctx context.Context, path string, report *Report) {
	report.FilesScanned++

	raw, err := os.ReadFile(path)
	if err != nil {
		report.FilesFailed++
		report.addError(err)
		return
	}

	doc, err := i.parse(raw, path)
	if err != nil {
		report.FilesFailed++
		report.addError(err)
		return
	}

	content := doc.Content()
	if strings.TrimSpace(content) == "" {
		// Nothing to store; an empty file is not an error.
		return
	}

	tags := mergeTags(doc.Tags, i.opts.Tags, []string{"source:" + filepath.Base(path)})
	memoryType := doc.MemoryType
	if memoryType == "" {
		memoryType = i.opts.MemoryType
	}

	chunks := i.split(content)
	total := len(chunks)
	for idx, chunk := range chunks {
		meta := map[string]interface{}{types.MetaSourceFile: path}
		if !doc.Date.IsZero() {
			meta[types.MetaDocumentDate] = types.ISOFromUnix(types.UnixSeconds(doc.Date))
		}
		chunkTags := tags
		if total > 1 {
			meta[types.MetaIsChunk] = true
			meta[types.MetaChunkIndex] = idx + 1
			meta[types.MetaTotalChunks] = total
			meta[types.MetaOriginalLength] = utf8.RuneCountInString(content)
			chunkTags = mergeTags(tags, []string{fmt.Sprintf("chunk:%d/%d", idx+1, total)})
		}

		res := i.sink.StoreMemory(ctx, service.StoreInput{
			Content:    chunk,
			Tags:       chunkTags,
			MemoryType: memoryType,
			Metadata:   meta,
		})
		switch {
		case res.Success:
			if n := len(res.Memories); n > 0 {
				// The service split the chunk further itself.
				report.MemoriesCreated += n
			} else {
				report.MemoriesCreated++
			}
		case res.Reason == "duplicate":
			report.Duplicates++
		default:
			report.MemoriesCreated += len(res.Memories)
			if n := len(res.FailedChunks); n > 0 {
				report.Failures += n
			} else {
				report.Failures++
			}
			report.addError(fmt.Errorf("%s: %s", path, res.Error))
		}
	}

	log.Printf("ingested %s: %d chunks", path, total)
}

// parse chooses the parser by extension. Plain text is stored verbatim,
// with no title heading or frontmatter handling.
func (i *Importer) parse(raw []byte, path string) (*Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".md" || ext == ".markdown" {
		return ParseMarkdown(raw, filepath.Base(path))
	}
	return &Document{Body: strings.TrimSpace(string(raw))}, nil
}

// split divides content per the configured chunk size. Zero chunk size
// stores the content whole.
func (i *Importer) split(content string) []string {
	if i.opts.ChunkSize <= 0 {
		return []string{content}
	}
	splitter := &service.Splitter{
		MaxLen:             i.opts.ChunkSize,
		Overlap:            i.opts.ChunkOverlap,
		PreserveBoundaries: true,
	}
	return splitter.Split(content)
}
