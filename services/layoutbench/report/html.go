// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/AleutianAI/layoutbench/services/layoutbench/compare"
	"github.com/AleutianAI/layoutbench/services/layoutbench/results"
)

// HTML writes an interactive page of charts for cmp.
//
// Description:
//
//	The page opens with an overview bar chart of every entry's
//	geometric-mean change. Each 1-D entry then gets a line chart of
//	baseline and new durations over problem size and a bar chart of the
//	per-point change. Each 2-D entry gets a heatmap of the change over
//	(contiguous, non-contiguous) exponents.
func HTML(w io.Writer, cmp *compare.Comparison) error {
	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("layoutbench %s vs %s", short(cmp.BaselineID), short(cmp.NewID))

	entries := cmp.Entries()
	if len(entries) > 0 {
		page.AddCharts(overview(entries))
	}
	for _, e := range entries {
		switch e.Dims {
		case 1:
			page.AddCharts(durationLine(e), changeBar(e))
		case 2:
			page.AddCharts(changeHeatMap(e))
		}
	}
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}

// Label renders an entry's setup for chart titles.
func Label(e *compare.Entry) string {
	return fmt.Sprintf("%s %s %s %s",
		e.Setup.Get(results.FieldOp), e.Setup.Get(results.FieldDType),
		e.Setup.Get(results.FieldLayout), e.Setup.Get(results.FieldDevice))
}

func changeColor(c float64) string {
	if c > 0 {
		return ColorError
	}
	return ColorSuccess
}

// percent returns c in percent, or "-" which echarts draws as a gap.
func percent(c float64) interface{} {
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return "-"
	}
	return math.Round(c*1e4) / 100
}

func overview(entries []*compare.Entry) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Geometric-mean change per entry", Subtitle: "positive is slower"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Rotate: 45}}),
		charts.WithYAxisOpts(opts.YAxis{Name: "%"}),
		charts.WithInitializationOpts(opts.Initialization{Width: "1200px", Height: "500px"}),
	)
	labels := make([]string, 0, len(entries))
	data := make([]opts.BarData, 0, len(entries))
	for _, e := range entries {
		ratio, n := e.GeoMeanRatio()
		c := math.NaN()
		if n > 0 {
			c = ratio - 1
		}
		labels = append(labels, e.Title+" "+Label(e))
		data = append(data, opts.BarData{
			Value:     percent(c),
			ItemStyle: &opts.ItemStyle{Color: changeColor(c)},
		})
	}
	bar.SetXAxis(labels).AddSeries("change", data)
	return bar
}

func sizeLabels(e *compare.Entry) []string {
	out := make([]string, len(e.Baseline))
	for i, p := range e.Baseline {
		out[i] = p.ProblemSize.String()
	}
	return out
}

func durations(ps []results.Point) []opts.LineData {
	out := make([]opts.LineData, len(ps))
	for i, p := range ps {
		if math.IsNaN(p.Duration) || math.IsInf(p.Duration, 0) || p.Duration <= 0 {
			out[i] = opts.LineData{Value: "-"}
			continue
		}
		out[i] = opts.LineData{Value: p.Duration}
	}
	return out
}

func durationLine(e *compare.Entry) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: e.Title, Subtitle: Label(e)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "log2 size"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "seconds", Type: "log"}),
	)
	line.SetXAxis(sizeLabels(e)).
		AddSeries("baseline", durations(e.Baseline)).
		AddSeries("new", durations(e.New))
	return line
}

func changeBar(e *compare.Entry) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: e.Title + " change", Subtitle: Label(e)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "log2 size"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "%"}),
	)
	data := make([]opts.BarData, len(e.Compare))
	for i, c := range e.Compare {
		data[i] = opts.BarData{Value: percent(c), ItemStyle: &opts.ItemStyle{Color: changeColor(c)}}
	}
	bar.SetXAxis(sizeLabels(e)).AddSeries("change", data)
	return bar
}

func changeHeatMap(e *compare.Entry) *charts.HeatMap {
	var xs, ys []int
	seenX, seenY := map[int]bool{}, map[int]bool{}
	for _, p := range e.Baseline {
		if !seenX[p.ProblemSize.Contiguous] {
			seenX[p.ProblemSize.Contiguous] = true
			xs = append(xs, p.ProblemSize.Contiguous)
		}
		if !seenY[p.ProblemSize.NonContiguous] {
			seenY[p.ProblemSize.NonContiguous] = true
			ys = append(ys, p.ProblemSize.NonContiguous)
		}
	}
	sort.Ints(xs)
	sort.Ints(ys)
	xi, yi := indexOf(xs), indexOf(ys)

	var limit float64
	data := make([]opts.HeatMapData, 0, len(e.Compare))
	for i, c := range e.Compare {
		p := e.Baseline[i].ProblemSize
		data = append(data, opts.HeatMapData{Value: [3]interface{}{xi[p.Contiguous], yi[p.NonContiguous], percent(c)}})
		if !math.IsNaN(c) {
			limit = math.Max(limit, math.Abs(c*100))
		}
	}
	if limit == 0 {
		limit = 1
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: e.Title + " change", Subtitle: Label(e)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "contiguous", Type: "category", SplitArea: &opts.SplitArea{Show: opts.Bool(true)}}),
		charts.WithYAxisOpts(opts.YAxis{Name: "non-contiguous", Type: "category", Data: labels(ys), SplitArea: &opts.SplitArea{Show: opts.Bool(true)}}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Calculable: opts.Bool(true),
			Min:        float32(-limit),
			Max:        float32(limit),
			InRange:    &opts.VisualMapInRange{Color: []string{ColorSuccess, ColorNeutral, ColorError}},
		}),
	)
	hm.SetXAxis(labels(xs)).AddSeries("change %", data)
	return hm
}

func indexOf(vs []int) map[int]int {
	out := make(map[int]int, len(vs))
	for i, v := range vs {
		out[v] = i
	}
	return out
}

func labels(vs []int) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = strconv.Itoa(v)
	}
	return out
}
