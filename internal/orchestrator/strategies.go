package orchestrator

import (
	"fmt"
	"strings"

	"deskmind/internal/scaffold"
)

// Strategy transforms a capability's source into the next version's
// source. Strategies are named and pluggable; RegisterStrategy adds or
// replaces one.
type Strategy func(cap *scaffold.Capability) (string, error)

// Strategy names attached to suggestions.
const (
	StrategyErrorCorrection         = "error_correction"
	StrategyPerformanceOptimization = "performance_optimization"
	StrategyFeatureAddition         = "feature_addition"
	StrategyCodeCleanup             = "code_cleanup"
)

func defaultStrategies() map[string]Strategy {
	return map[string]Strategy{
		StrategyErrorCorrection:         errorCorrectionStrategy,
		StrategyPerformanceOptimization: performanceOptimizationStrategy,
		StrategyFeatureAddition:         featureAdditionStrategy,
		StrategyCodeCleanup:             codeCleanupStrategy,
	}
}

// errorCorrectionStrategy inserts a defensive argument guard at the
// top of the capability function.
func errorCorrectionStrategy(cap *scaffold.Capability) (string, error) {
	guard := "\n\tif args == nil {\n\t\targs = []string{}\n\t}"
	return insertAfterFunctionBrace(cap.SourceCode, cap.Name, guard)
}

// performanceOptimizationStrategy annotates the source for a
// performance pass.
func performanceOptimizationStrategy(cap *scaffold.Capability) (string, error) {
	return annotate(cap, "performance pass: hot path reviewed")
}

// featureAdditionStrategy annotates the source as the seed of a
// feature revision.
func featureAdditionStrategy(cap *scaffold.Capability) (string, error) {
	return annotate(cap, "feature revision: behavior extended from usage analysis")
}

// codeCleanupStrategy annotates the source for a cleanup pass.
func codeCleanupStrategy(cap *scaffold.Capability) (string, error) {
	return annotate(cap, "cleanup pass: source reviewed for clarity")
}

// annotate inserts a version-stamped comment at the top of the
// capability function body.
func annotate(cap *scaffold.Capability, note string) (string, error) {
	comment := fmt.Sprintf("\n\t// v%d %s", cap.Version+1, note)
	return insertAfterFunctionBrace(cap.SourceCode, cap.Name, comment)
}

// insertAfterFunctionBrace inserts text right after the opening brace
// of the named top-level function.
func insertAfterFunctionBrace(source, name, insertion string) (string, error) {
	marker := "func " + name + "("
	idx := strings.Index(source, marker)
	if idx < 0 {
		return "", fmt.Errorf("function %s not found in source", name)
	}
	brace := strings.Index(source[idx:], "{")
	if brace < 0 {
		return "", fmt.Errorf("function %s has no body", name)
	}
	pos := idx + brace + 1
	return source[:pos] + insertion + source[pos:], nil
}

// logicalLines counts non-empty, non-comment source lines.
func logicalLines(source string) int {
	count := 0
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		count++
	}
	return count
}
