package gamelog

import (
	"encoding/csv"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// VideoPlayback is the single active video of an instance.
type VideoPlayback struct {
	URL       string
	Name      string
	VideoID   string
	Requester string
	Length    time.Duration // zero: unknown, never auto-clears
	Offset    time.Duration
	StartedAt time.Time
}

// Elapsed is the playback position at now.
func (v *VideoPlayback) Elapsed(now time.Time) time.Duration {
	return now.Sub(v.StartedAt) + v.Offset
}

// Finished reports whether a playback of known length has run out.
func (v *VideoPlayback) Finished(now time.Time) bool {
	return v.Length > 0 && v.Elapsed(now) >= v.Length
}

// providerFields is the CSV field count of each provider grammar.
var providerFields = map[Kind]int{
	KindVideoPyPyDance: 4,
	KindVideoVRDancing: 6,
	KindVideoZuwaZuwa:  6,
}

// ParseProviderVideo parses a provider text payload into a playback that
// starts at 'at'. Grammars, one CSV line each:
//
//	pypydance:         "<url>",<offset>,<length>,"<title> (<requester>)"
//	vrdancing/zuwazuwa: "<url>",<offset>,<length>,<videoId>,"<requester>","<title>"
func ParseProviderVideo(provider Kind, data string, at time.Time) (VideoPlayback, error) {
	want, ok := providerFields[provider]
	if !ok {
		return VideoPlayback{}, fmt.Errorf("%w: unknown video provider %q", ErrMalformed, provider)
	}

	r := csv.NewReader(strings.NewReader(data))
	r.FieldsPerRecord = want
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	fields, err := r.Read()
	if err != nil {
		return VideoPlayback{}, fmt.Errorf("%w: %s: %v", ErrMalformed, provider, err)
	}

	v := VideoPlayback{URL: fields[0], StartedAt: at}
	if v.URL == "" {
		return VideoPlayback{}, fmt.Errorf("%w: %s: empty url", ErrMalformed, provider)
	}
	if v.Offset, err = parseSeconds(fields[1]); err != nil {
		return VideoPlayback{}, fmt.Errorf("%w: %s offset: %v", ErrMalformed, provider, err)
	}
	if v.Length, err = parseSeconds(fields[2]); err != nil {
		return VideoPlayback{}, fmt.Errorf("%w: %s length: %v", ErrMalformed, provider, err)
	}

	switch provider {
	case KindVideoPyPyDance:
		v.Name, v.Requester = splitRequester(fields[3])
	default:
		v.VideoID = fields[3]
		v.Requester = fields[4]
		v.Name = fields[5]
	}
	return v, nil
}

// splitRequester splits "Title (Requester)" at the last " (".
func splitRequester(s string) (title, requester string) {
	s = strings.TrimSpace(s)
	i := strings.LastIndex(s, " (")
	if i < 0 || !strings.HasSuffix(s, ")") {
		return s, ""
	}
	return s[:i], s[i+2 : len(s)-1]
}

// maxSeconds is the largest value a time.Duration can hold.
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

func parseSeconds(s string) (time.Duration, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	return seconds(f)
}

// seconds converts a non-negative, finite number of seconds that fits a
// time.Duration.
func seconds(f float64) (time.Duration, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite seconds %v", f)
	}
	if f < 0 {
		return 0, fmt.Errorf("negative seconds %v", f)
	}
	if f > maxSeconds {
		return 0, fmt.Errorf("seconds %v out of range", f)
	}
	return time.Duration(f * float64(time.Second)), nil
}
