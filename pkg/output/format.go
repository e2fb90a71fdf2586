// Package output renders valuation reports for the terminal or for machines.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/iwvelando/opm-valuation/internal/backsolve"
	"github.com/iwvelando/opm-valuation/internal/opm"
	"github.com/iwvelando/opm-valuation/internal/valuation"
	"github.com/iwvelando/opm-valuation/pkg/constants"
	"github.com/iwvelando/opm-valuation/pkg/format"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

// Write renders report in the named format.
func Write(w io.Writer, outputFormat string, report *valuation.Report) error {
	switch outputFormat {
	case constants.OutputFormatPretty, "":
		return PrettyFormat(w, report)
	case constants.OutputFormatJSON:
		return JSONFormat(w, report)
	case constants.OutputFormatYAML:
		return YAMLFormat(w, report)
	default:
		return fmt.Errorf("unsupported output format %q", outputFormat)
	}
}

// JSONFormat writes the report as indented JSON.
func JSONFormat(w io.Writer, report *valuation.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// YAMLFormat writes the report as YAML with the same keys as the JSON form.
func YAMLFormat(w io.Writer, report *valuation.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("failed to convert report: %w", err)
	}
	blockStyle(&node)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle drops the flow style a JSON document decodes with.
func blockStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle
	if n.Kind == yaml.ScalarNode && n.Tag == "!!str" {
		n.Style &^= yaml.DoubleQuotedStyle
	}
	for _, child := range n.Content {
		blockStyle(child)
	}
}

// PrettyFormat writes a human-readable summary rather than the full report.
func PrettyFormat(w io.Writer, report *valuation.Report) error {
	var buf bytes.Buffer
	p := message.NewPrinter(language.English)

	switch {
	case report.Price != nil:
		r := report.Price.Result
		_, _ = p.Fprintf(&buf, "--- Black-Scholes call ---\n")
		_, _ = p.Fprintf(&buf, "Company value | Strike | Call value | d1 | d2\n")
		_, _ = p.Fprintf(&buf, "_____________ | ______ | __________ | __ | __\n")
		_, _ = p.Fprintf(&buf, "%s | %s | %s | %.4f | %.4f\n",
			format.Currency(r.Params.CompanyValue), format.Currency(r.Params.StrikePrice),
			format.Currency(r.CallValue), r.D1, r.D2)
		g := report.Price.Greeks
		_, _ = p.Fprintf(&buf, "Delta %.4f | Gamma %.6f | Vega %.4f | Theta %.4f | Rho %.4f\n",
			g.Delta, g.Gamma, g.Vega, g.Theta, g.Rho)
		if iv := report.Price.ImpliedVolatility; iv != nil {
			if report.Price.ImpliedConverged {
				_, _ = p.Fprintf(&buf, "Implied volatility: %.4f\n", *iv)
			} else {
				_, _ = p.Fprintf(&buf, "Implied volatility: did not converge\n")
			}
		}
	case report.Allocation != nil:
		allocationTable(&buf, p, report.Allocation)
	case report.Backsolve != nil:
		backsolveSummary(&buf, p, report.Backsolve)
	case report.Weighted != nil:
		weightedSummary(&buf, p, report.Weighted)
	default:
		_, _ = fmt.Fprintf(&buf, "No results for mode %s\n", report.Mode)
	}

	for _, warning := range report.Warnings {
		_, _ = fmt.Fprintf(&buf, "Warning: %s\n", warning)
	}

	_, err := w.Write(buf.Bytes())
	return err
}

func allocationTable(buf *bytes.Buffer, p *message.Printer, r *opm.Result) {
	_, _ = p.Fprintf(buf, "--- OPM allocation at %s ---\n", format.Currency(r.EnterpriseValue))
	_, _ = p.Fprintf(buf, "Class | Shares | Total value | Per share | Percent\n")
	_, _ = p.Fprintf(buf, "_____ | ______ | ___________ | _________ | _______\n")
	for _, c := range r.Classes {
		_, _ = p.Fprintf(buf, "%s | %s | %s | %s | %s\n",
			c.SecurityClass, format.Shares(c.Shares), format.Currency(c.TotalValue),
			format.PerShare(c.ValuePerShare), format.Percent(c.PercentOfTotal))
	}
	_, _ = p.Fprintf(buf, "Distributed: %s | Unallocated: %s\n",
		format.Currency(r.TotalValueDistributed), format.Currency(r.UnallocatedValue))
	if !r.Valid {
		_, _ = p.Fprintf(buf, "Allocation is invalid: %s\n", strings.Join(r.ValidationErrors, "; "))
	}
}

func backsolveSummary(buf *bytes.Buffer, p *message.Printer, r *backsolve.Result) {
	_, _ = p.Fprintf(buf, "--- Backsolve for %s at %s per share ---\n", r.SecurityClass, format.PerShare(r.TargetFMV))
	if r.Error != "" {
		_, _ = p.Fprintf(buf, "Failed: %s\n", r.Error)
		return
	}
	_, _ = p.Fprintf(buf, "Enterprise value: %s\n", format.Currency(r.EnterpriseValue.InexactFloat64()))
	_, _ = p.Fprintf(buf, "Achieved FMV: %s (residual %.6f)\n", format.PerShare(r.AchievedFMV), r.Residual)
	_, _ = p.Fprintf(buf, "Method: %s | Iterations: %d | Converged: %t\n", r.Method, r.Iterations, r.Converged)
	if r.Allocation != nil {
		allocationTable(buf, p, r.Allocation)
	}
	for _, e := range r.Errors {
		_, _ = p.Fprintf(buf, "Error: %s\n", e)
	}
	for _, warning := range r.Warnings {
		_, _ = p.Fprintf(buf, "Warning: %s\n", warning)
	}
}

func weightedSummary(buf *bytes.Buffer, p *message.Printer, r *backsolve.WeightedResult) {
	_, _ = p.Fprintf(buf, "--- Weighted backsolve for scenario %s ---\n", r.UnknownScenario)
	_, _ = p.Fprintf(buf, "Target FMV: %s | Required FMV: %s | Fixed weighted sum: %s\n",
		format.PerShare(r.TargetFMV), format.PerShare(r.RequiredFMV), format.PerShare(r.FixedWeightedSum))
	if r.Error != "" {
		_, _ = p.Fprintf(buf, "Failed: %s\n", r.Error)
		return
	}
	_, _ = p.Fprintf(buf, "Enterprise value: %s\n", format.Currency(r.EnterpriseValue.InexactFloat64()))
	_, _ = p.Fprintf(buf, "Scenario | Probability | Enterprise value | FMV per share | Contribution\n")
	_, _ = p.Fprintf(buf, "________ | ___________ | ________________ | _____________ | ____________\n")
	for _, sc := range r.Scenarios {
		name := sc.Name
		if sc.Unknown {
			name += " (solved)"
		}
		_, _ = p.Fprintf(buf, "%s | %s | %s | %s | %s\n",
			name, format.Percent(sc.Probability*constants.PercentageMultiplier), format.Currency(sc.EnterpriseValue),
			format.PerShare(sc.FMVPerShare), format.PerShare(sc.WeightedContribution))
	}
	_, _ = p.Fprintf(buf, "Weighted FMV: %s (residual %.6f)\n", format.PerShare(r.ActualWeightedFMV), r.Residual)
	_, _ = p.Fprintf(buf, "Method: %s | Iterations: %d | Converged: %t\n", r.Method, r.Iterations, r.Converged)
	for _, warning := range r.Warnings {
		_, _ = p.Fprintf(buf, "Warning: %s\n", warning)
	}
}
