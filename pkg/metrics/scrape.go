package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Sample is one flattened metric value
type Sample struct {
	Name   string
	Labels string
	Value  float64
}

// Scrape fetches a metrics endpoint and returns the samples whose family
// name starts with prefix, sorted by name then labels
func Scrape(client *http.Client, url, prefix string) ([]Sample, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics endpoint returned status %d", resp.StatusCode)
	}

	families, err := Decode(resp.Body, expfmt.ResponseFormat(resp.Header))
	if err != nil {
		return nil, err
	}
	return Flatten(families, prefix), nil
}

// Decode reads every metric family from r
func Decode(r io.Reader, format expfmt.Format) ([]*dto.MetricFamily, error) {
	dec := expfmt.NewDecoder(r, format)

	var families []*dto.MetricFamily
	for {
		mf := &dto.MetricFamily{}
		if err := dec.Decode(mf); err != nil {
			if errors.Is(err, io.EOF) {
				return families, nil
			}
			return nil, fmt.Errorf("failed to decode metrics: %w", err)
		}
		families = append(families, mf)
	}
}

// Flatten turns counters and gauges into samples. Histograms contribute
// their _count and _sum.
func Flatten(families []*dto.MetricFamily, prefix string) []Sample {
	var samples []Sample
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := formatLabels(m.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				samples = append(samples, Sample{name, labels, m.GetCounter().GetValue()})
			case dto.MetricType_GAUGE:
				samples = append(samples, Sample{name, labels, m.GetGauge().GetValue()})
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				samples = append(samples,
					Sample{name + "_count", labels, float64(h.GetSampleCount())},
					Sample{name + "_sum", labels, h.GetSampleSum()})
			case dto.MetricType_UNTYPED:
				samples = append(samples, Sample{name, labels, m.GetUntyped().GetValue()})
			}
		}
	}

	sort.SliceStable(samples, func(i, j int) bool {
		if samples[i].Name != samples[j].Name {
			return samples[i].Name < samples[j].Name
		}
		return samples[i].Labels < samples[j].Labels
	})
	return samples
}

func formatLabels(pairs []*dto.LabelPair) string {
	parts := make([]string, 0, len(pairs))
	for _, lp := range pairs {
		parts = append(parts, lp.GetName()+"="+lp.GetValue())
	}
	return strings.Join(parts, ",")
}
