package dashsource

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ericcug/streamengine/internal/logger"
	"github.com/ericcug/streamengine/internal/manifest"
)

// Parser implements manifest.Parser over the MPD schema subset in mpd.go.
// Grounded on internal/dash/client.go's FetchAndParseMPD for the HTTP half
// (redirect-following, user-agent header) and internal/dash/mpd.go for the
// schema; the XML-to-manifest.Manifest conversion and UpdatePeriod's
// timeline-merge behavior are new, replacing the teacher's
// dash.MPD/models.Segment model with this module's manifest package.
type Parser struct {
	httpClient *http.Client
	userAgent  string
	log        logger.Logger
}

// NewParser builds a Parser. userAgent is sent on every request if non-empty.
func NewParser(userAgent string, log logger.Logger) *Parser {
	return &Parser{
		httpClient: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: 5 * time.Second},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("dashsource: too many redirects fetching manifest")
				}
				return nil
			},
		},
		userAgent: userAgent,
		log:       log,
	}
}

func (p *Parser) LoadManifest(ctx context.Context, rawURL string) (io.Reader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dashsource: build manifest request: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dashsource: fetch manifest %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dashsource: manifest fetch %s returned status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dashsource: read manifest body: %w", err)
	}
	return bytes.NewReader(data), nil
}

func (p *Parser) ParseManifest(raw io.Reader, baseURL string) (*manifest.Manifest, error) {
	data, err := io.ReadAll(raw)
	if err != nil {
		return nil, fmt.Errorf("dashsource: read manifest bytes: %w", err)
	}

	var doc mpdXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("dashsource: parse MPD XML: %w", err)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("dashsource: invalid base URL %q: %w", baseURL, err)
	}
	if doc.BaseURL != "" {
		if b, err := resolveURL(base, doc.BaseURL); err == nil {
			base = b
		}
	}

	m := &manifest.Manifest{Dynamic: doc.Type == "dynamic"}
	if d, err := parseISODuration(doc.MinimumUpdatePeriod); err == nil {
		m.MinimumUpdatePeriod = d
	}

	presentationEnd, hasPresentationEnd := (*time.Duration)(nil), false
	if d, err := parseISODuration(doc.MediaPresentationDuration); err == nil {
		presentationEnd = &d
		hasPresentationEnd = true
	}

	periods := make([]*manifest.Period, 0, len(doc.Periods))
	for i, px := range doc.Periods {
		period, err := p.buildPeriod(base, px)
		if err != nil {
			p.log.Warnf("dashsource: skipping period %s: %v", px.ID, err)
			continue
		}
		// A period's end is the next period's start, or the presentation's
		// total duration for the last one (nil if still open, i.e. dynamic
		// with no known end).
		if i+1 < len(doc.Periods) {
			if nextStart, err := parseISODuration(doc.Periods[i+1].Start); err == nil {
				end := nextStart
				period.End = &end
			}
		} else if hasPresentationEnd {
			end := *presentationEnd
			period.End = &end
		}
		periods = append(periods, period)
	}
	m.Periods = periods

	return m, nil
}

func (p *Parser) buildPeriod(mpdBase *url.URL, px periodXML) (*manifest.Period, error) {
	start, _ := parseISODuration(px.Start)

	periodBase := mpdBase
	if px.BaseURL != "" {
		b, err := resolveURL(mpdBase, px.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("resolve period BaseURL: %w", err)
		}
		periodBase = b
	}

	period := &manifest.Period{ID: manifest.PeriodID(px.ID), Start: start, Adaptations: map[manifest.TrackKind][]*manifest.Adaptation{}}

	for i, as := range px.Sets {
		kind := trackKindFromContentType(as.ContentType, as.MimeType)
		adaptationID := as.ID
		if adaptationID == "" {
			adaptationID = fmt.Sprintf("%s-as%d", px.ID, i)
		}

		reps := make([]*manifest.Representation, 0, len(as.Representations))
		for _, rx := range as.Representations {
			mime := rx.MimeType
			if mime == "" {
				mime = as.MimeType
			}
			rep := manifest.NewRepresentation(rx.ID, rx.Bandwidth, rx.Codecs, mime)
			rep.Width, rep.Height = rx.Width, rx.Height
			rep.FrameRate = parseFrameRate(rx.FrameRate)

			idx, err := buildTemplateIndex(periodBase, as.SegmentTemplate, rx.ID)
			if err != nil {
				return nil, fmt.Errorf("representation %s: %w", rx.ID, err)
			}
			rep.Index = idx
			reps = append(reps, rep)
		}

		adaptation := &manifest.Adaptation{
			ID:              manifest.AdaptationID(adaptationID),
			Kind:            kind,
			Lang:            manifest.NormalizeLang(as.Lang),
			Representations: reps,
		}
		period.Adaptations[kind] = append(period.Adaptations[kind], adaptation)
	}

	return period, nil
}

func trackKindFromContentType(contentType, mimeType string) manifest.TrackKind {
	switch {
	case strings.HasPrefix(contentType, "video") || strings.HasPrefix(mimeType, "video"):
		return manifest.TrackVideo
	case strings.HasPrefix(contentType, "audio") || strings.HasPrefix(mimeType, "audio"):
		return manifest.TrackAudio
	case strings.HasPrefix(contentType, "text") || strings.Contains(mimeType, "vtt") || strings.Contains(mimeType, "ttml"):
		return manifest.TrackText
	default:
		return manifest.TrackVideo
	}
}

func (p *Parser) GetDuration(m *manifest.Manifest) (time.Duration, bool) {
	return m.Duration()
}

// UpdatePeriod re-parses raw as a full MPD and returns the refreshed version
// of the period identified by id, merging each representation's segment
// timeline with what's already known so in-flight segment IDs stay stable.
// Adapted from internal/dash/timeline.go's MergeTimelines, generalized from
// one SegmentTimeline at a time to a whole period's worth of
// representations, and extended to carry forward each representation's
// Decipherable flag across the refresh.
func (p *Parser) UpdatePeriod(m *manifest.Manifest, id manifest.PeriodID, raw io.Reader) (*manifest.Period, error) {
	var existing *manifest.Period
	for _, period := range m.Periods {
		if period.ID == id {
			existing = period
			break
		}
	}
	if existing == nil {
		return nil, fmt.Errorf("dashsource: unknown period %q", id)
	}

	refreshed, err := p.ParseManifest(raw, "")
	if err != nil {
		return nil, fmt.Errorf("dashsource: parse refreshed manifest: %w", err)
	}

	var next *manifest.Period
	for _, period := range refreshed.Periods {
		if period.ID == id {
			next = period
			break
		}
	}
	if next == nil {
		return nil, fmt.Errorf("dashsource: period %q missing from refreshed manifest", id)
	}

	for kind, adaptations := range next.Adaptations {
		oldAdaptations := existing.Adaptations[kind]
		for _, newAdapt := range adaptations {
			oldAdapt := findAdaptation(oldAdaptations, newAdapt.ID)
			if oldAdapt == nil {
				continue
			}
			for _, newRep := range newAdapt.Representations {
				oldRep := findRepresentation(oldAdapt.Representations, newRep.ID)
				if oldRep == nil {
					continue
				}
				newRep.SetDecipherable(oldRep.Decipherable())
				if newIdx, ok := newRep.Index.(*templateIndex); ok {
					if oldIdx, ok := oldRep.Index.(*templateIndex); ok {
						newIdx.entries = mergeEntries(oldIdx.entries, newIdx.entries)
					}
				}
			}
		}
	}

	return next, nil
}

func findAdaptation(list []*manifest.Adaptation, id manifest.AdaptationID) *manifest.Adaptation {
	for _, a := range list {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func findRepresentation(list []*manifest.Representation, id string) *manifest.Representation {
	for _, r := range list {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func mergeEntries(oldEntries, newEntries []timelineEntry) []timelineEntry {
	seen := make(map[uint64]timelineEntry, len(oldEntries)+len(newEntries))
	for _, e := range oldEntries {
		seen[e.start] = e
	}
	for _, e := range newEntries {
		seen[e.start] = e
	}
	merged := make([]timelineEntry, 0, len(seen))
	for _, e := range seen {
		merged = append(merged, e)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].start < merged[j].start })
	return merged
}

func resolveURL(base *url.URL, path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(ref), nil
}
