// Copyright 2026 The Capcore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"fmt"
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// PrometheusName converts a metric name such as /core/rm/attach into a
// Prometheus metric name, prefixed with prefix if it is not empty.
func PrometheusName(prefix, name string) string {
	n := strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
	if prefix == "" {
		return n
	}
	return prefix + "_" + n
}

func metricFamily(prefix string, v Value) *dto.MetricFamily {
	typ := dto.MetricType_GAUGE
	if v.Cumulative {
		typ = dto.MetricType_COUNTER
	}
	mf := &dto.MetricFamily{
		Name: proto.String(PrometheusName(prefix, v.Name)),
		Type: typ.Enum(),
	}
	if v.Description != "" {
		mf.Help = proto.String(v.Description)
	}
	keys := make([]string, 0, len(v.Values))
	for k := range v.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		val := float64(v.Values[k])
		m := &dto.Metric{}
		if v.Field != "" {
			m.Label = []*dto.LabelPair{{
				Name:  proto.String(v.Field),
				Value: proto.String(k),
			}}
		}
		if v.Cumulative {
			m.Counter = &dto.Counter{Value: proto.Float64(val)}
		} else {
			m.Gauge = &dto.Gauge{Value: proto.Float64(val)}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

// MetricFamilies returns the current snapshot as Prometheus metric families.
func MetricFamilies(prefix string) []*dto.MetricFamily {
	snap := Snapshot()
	mfs := make([]*dto.MetricFamily, 0, len(snap))
	for _, v := range snap {
		mfs = append(mfs, metricFamily(prefix, v))
	}
	return mfs
}

// WritePrometheus writes the current snapshot to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer, prefix string) error {
	for _, mf := range MetricFamilies(prefix) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
