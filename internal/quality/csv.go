package quality

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/scrypster/keepsake/pkg/types"
)

// The remote vector index caps per-record metadata at a hard byte limit,
// and verbose quality metadata (history, audit fields) is the first thing
// to blow it. Before sync, quality fields are folded into one compact CSV
// record; on read the verbose form is reconstructed.
//
// Base record, 13 parts:
//
//	version,score,provider,confidence,calculated_at,
//	access_count,last_accessed_at,
//	h1_score,h1_at,h2_score,h2_at,h3_score,h3_at
//
// Extended record, 16 parts, appends the boost audit trail:
//
//	...,boost_applied,boost_date,original_quality
//
// Decoders accept both lengths: 13-part records produced before boost
// tracking existed decode with the boost fields absent.

// MetadataKey holds the encoded record inside compressed metadata.
const MetadataKey = "quality_csv"

const (
	csvVersion    = "1"
	basePartCount = 13
	extPartCount  = 16
)

// providerCodes maps provider names to single-character codes. Unknown
// providers are carried verbatim; real names are longer than one character
// so they cannot collide with codes.
var providerCodes = map[string]string{
	ProviderImplicit: "i",
	ProviderExternal: "e",
	ProviderUser:     "u",
	ProviderNone:     "n",
	"local_onnx":     "o",
}

var providerNames = map[string]string{}

func init() {
	for name, code := range providerCodes {
		providerNames[code] = name
	}
}

// Record is the codec's working form of a memory's quality fields.
type Record struct {
	Score          float64
	Provider       string
	Confidence     float64
	CalculatedAt   int64
	AccessCount    int
	LastAccessedAt int64
	History        [][2]float64 // (score, unix seconds), newest first, max 3

	// Boost audit, present only in extended records.
	HasBoost        bool
	BoostApplied    bool
	BoostDate       int64
	OriginalQuality float64
}

// Encode renders the record as a 13- or 16-part CSV string. The extended
// form is used only when boost fields are present.
func (r *Record) Encode() string {
	parts := make([]string, 0, extPartCount)
	parts = append(parts,
		csvVersion,
		fmtScore(r.Score),
		encodeProvider(r.Provider),
		fmtScore(r.Confidence),
		strconv.FormatInt(r.CalculatedAt, 10),
		strconv.Itoa(r.AccessCount),
		strconv.FormatInt(r.LastAccessedAt, 10),
	)
	for i := 0; i < historyLimit; i++ {
		if i < len(r.History) {
			parts = append(parts, fmtScore(r.History[i][0]), strconv.FormatInt(int64(r.History[i][1]), 10))
		} else {
			parts = append(parts, "", "")
		}
	}
	if r.HasBoost {
		applied := "0"
		if r.BoostApplied {
			applied = "1"
		}
		parts = append(parts, applied, strconv.FormatInt(r.BoostDate, 10), fmtScore(r.OriginalQuality))
	}
	return strings.Join(parts, ",")
}

// DecodeRecord parses a 13- or 16-part CSV record.
func DecodeRecord(s string) (*Record, error) {
	parts := strings.Split(s, ",")
	if len(parts) != basePartCount && len(parts) != extPartCount {
		return nil, fmt.Errorf("quality csv: expected %d or %d parts, got %d",
			basePartCount, extPartCount, len(parts))
	}
	if parts[0] != csvVersion {
		return nil, fmt.Errorf("quality csv: unsupported version %q", parts[0])
	}

	r := &Record{Provider: decodeProvider(parts[2])}
	var err error
	if r.Score, err = parseScore(parts[1]); err != nil {
		return nil, fmt.Errorf("quality csv: score: %w", err)
	}
	if r.Confidence, err = parseScore(parts[3]); err != nil {
		return nil, fmt.Errorf("quality csv: confidence: %w", err)
	}
	if r.CalculatedAt, err = parseUnix(parts[4]); err != nil {
		return nil, fmt.Errorf("quality csv: calculated_at: %w", err)
	}
	if r.AccessCount, err = strconv.Atoi(parts[5]); err != nil {
		return nil, fmt.Errorf("quality csv: access_count: %w", err)
	}
	if r.LastAccessedAt, err = parseUnix(parts[6]); err != nil {
		return nil, fmt.Errorf("quality csv: last_accessed_at: %w", err)
	}

	for i := 0; i < historyLimit; i++ {
		scoreStr, atStr := parts[7+i*2], parts[8+i*2]
		if scoreStr == "" || atStr == "" {
			continue
		}
		score, err := parseScore(scoreStr)
		if err != nil {
			return nil, fmt.Errorf("quality csv: history score: %w", err)
		}
		at, err := parseUnix(atStr)
		if err != nil {
			return nil, fmt.Errorf("quality csv: history timestamp: %w", err)
		}
		r.History = append(r.History, [2]float64{score, float64(at)})
	}

	if len(parts) == extPartCount {
		r.HasBoost = true
		r.BoostApplied = parts[13] == "1"
		if r.BoostDate, err = parseUnix(parts[14]); err != nil {
			return nil, fmt.Errorf("quality csv: boost_date: %w", err)
		}
		if r.OriginalQuality, err = parseScore(parts[15]); err != nil {
			return nil, fmt.Errorf("quality csv: original_quality: %w", err)
		}
	}
	return r, nil
}

// FromMetadata extracts the quality fields from verbose metadata. The
// second return is false when the map carries no quality score at all.
func FromMetadata(meta map[string]interface{}) (*Record, bool) {
	score, ok := metaFloat(meta, types.MetaQualityScore)
	if !ok {
		return nil, false
	}
	r := &Record{Score: score}
	if s, ok := meta[types.MetaQualityProvider].(string); ok {
		r.Provider = s
	}
	if f, ok := metaFloat(meta, types.MetaQualityConfidence); ok {
		r.Confidence = f
	}
	if f, ok := metaFloat(meta, types.MetaQualityCalculatedAt); ok {
		r.CalculatedAt = int64(f)
	}
	if f, ok := metaFloat(meta, types.MetaAccessCount); ok {
		r.AccessCount = int(f)
	}
	if f, ok := metaFloat(meta, types.MetaLastAccessedAt); ok {
		r.LastAccessedAt = int64(f)
	}
	if raw, ok := meta[types.MetaQualityHistory].([]interface{}); ok {
		for i := 0; i+1 < len(raw) && len(r.History) < historyLimit; i += 2 {
			s, ok1 := toFloat(raw[i])
			at, ok2 := toFloat(raw[i+1])
			if ok1 && ok2 {
				r.History = append(r.History, [2]float64{s, at})
			}
		}
	}
	if applied, ok := meta[types.MetaQualityBoostApplied].(bool); ok {
		r.HasBoost = true
		r.BoostApplied = applied
		if f, ok := metaFloat(meta, types.MetaQualityBoostDate); ok {
			r.BoostDate = int64(f)
		}
		if f, ok := metaFloat(meta, types.MetaOriginalQualityScore); ok {
			r.OriginalQuality = f
		}
	}
	return r, true
}

// ApplyTo writes the verbose quality fields back into a metadata map.
func (r *Record) ApplyTo(meta map[string]interface{}) {
	meta[types.MetaQualityScore] = r.Score
	if r.Provider != "" {
		meta[types.MetaQualityProvider] = r.Provider
	}
	meta[types.MetaQualityConfidence] = r.Confidence
	if r.CalculatedAt != 0 {
		meta[types.MetaQualityCalculatedAt] = float64(r.CalculatedAt)
	}
	if r.AccessCount != 0 {
		meta[types.MetaAccessCount] = r.AccessCount
	}
	if r.LastAccessedAt != 0 {
		meta[types.MetaLastAccessedAt] = float64(r.LastAccessedAt)
	}
	if len(r.History) > 0 {
		flat := make([]interface{}, 0, len(r.History)*2)
		for _, pair := range r.History {
			flat = append(flat, pair[0], pair[1])
		}
		meta[types.MetaQualityHistory] = flat
	}
	if r.HasBoost {
		meta[types.MetaQualityBoostApplied] = r.BoostApplied
		if r.BoostDate != 0 {
			meta[types.MetaQualityBoostDate] = float64(r.BoostDate)
		}
		meta[types.MetaOriginalQualityScore] = r.OriginalQuality
	}
}

// qualityKeys are the verbose fields replaced by the CSV record.
var qualityKeys = []string{
	types.MetaQualityScore,
	types.MetaQualityProvider,
	types.MetaQualityConfidence,
	types.MetaQualityCalculatedAt,
	types.MetaQualityHistory,
	types.MetaAccessCount,
	types.MetaLastAccessedAt,
	types.MetaQualityBoostApplied,
	types.MetaQualityBoostDate,
	types.MetaOriginalQualityScore,
}

// CompressMetadata returns a copy of meta with the verbose quality fields
// folded into one CSV record. Maps without quality fields are returned as
// a plain copy.
func CompressMetadata(meta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	r, ok := FromMetadata(meta)
	if !ok {
		return out
	}
	for _, k := range qualityKeys {
		delete(out, k)
	}
	out[MetadataKey] = r.Encode()
	return out
}

// ExpandMetadata reverses CompressMetadata. A malformed record is reported
// but leaves the remaining metadata intact, so one bad record never hides
// a memory.
func ExpandMetadata(meta map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	raw, ok := meta[MetadataKey].(string)
	if !ok {
		return out, nil
	}
	delete(out, MetadataKey)
	r, err := DecodeRecord(raw)
	if err != nil {
		return out, err
	}
	r.ApplyTo(out)
	return out, nil
}

func encodeProvider(name string) string {
	if code, ok := providerCodes[name]; ok {
		return code
	}
	return name
}

func decodeProvider(code string) string {
	if name, ok := providerNames[code]; ok {
		return name
	}
	return code
}

// fmtScore renders a score with at most four decimals and no trailing
// zeros, keeping records byte-lean.
func fmtScore(f float64) string {
	return strconv.FormatFloat(math.Round(f*1e4)/1e4, 'f', -1, 64)
}

func parseScore(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseUnix(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func metaFloat(meta map[string]interface{}, key string) (float64, bool) {
	if meta == nil {
		return 0, false
	}
	return toFloat(meta[key])
}
