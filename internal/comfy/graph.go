package comfy

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
)

// Graph is a job graph keyed by node id. Each node carries at least
// "class_type" and "inputs".
type Graph map[string]map[string]interface{}

// Node class types that declare workflow outputs.
var outputClassTypes = map[string]bool{
	"SaveImage":        true,
	"PreviewImage":     true,
	"VHS_VideoCombine": true,
	"SaveVideo":        true,
	"SaveAnimatedWEBP": true,
	"SaveAnimatedGIF":  true,
}

// NormalizeGraph extracts the job graph from a stored workflow JSON
// document, which is either the graph itself or wrapped under a
// "prompt" key. The result is always a deep copy, so callers can
// mutate it freely.
func NormalizeGraph(workflowJSON map[string]interface{}) (Graph, error) {
	src := workflowJSON
	if inner, ok := workflowJSON["prompt"].(map[string]interface{}); ok {
		src = inner
	}

	raw, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("copy workflow graph: %w", err)
	}
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("unsupported workflow JSON format: %w", err)
	}
	return g, nil
}

// nodeInputs returns the inputs map of a node, creating it when absent.
func nodeInputs(node map[string]interface{}) map[string]interface{} {
	if inputs, ok := node["inputs"].(map[string]interface{}); ok {
		return inputs
	}
	inputs := map[string]interface{}{}
	node["inputs"] = inputs
	return inputs
}

// ApplyInputs applies "nodeId.field" keyed overrides to the graph.
// Keys without a dot and keys naming unknown nodes are skipped.
func ApplyInputs(g Graph, inputs map[string]interface{}) {
	for key, val := range inputs {
		nodeID, field, ok := strings.Cut(key, ".")
		if !ok {
			continue
		}
		node, ok := g[nodeID]
		if !ok {
			continue
		}
		nodeInputs(node)[field] = val
	}
}

// SeedField names one seed-like input field of a graph node.
type SeedField struct {
	NodeID string
	Field  string
}

// FindSeedFields scans the graph for seed-like input fields.
func FindSeedFields(g Graph) []SeedField {
	var fields []SeedField
	for nodeID, node := range g {
		inputs, ok := node["inputs"].(map[string]interface{})
		if !ok {
			continue
		}
		for field := range inputs {
			lower := strings.ToLower(field)
			if strings.Contains(lower, "noise_seed") || strings.Contains(lower, "seed") {
				fields = append(fields, SeedField{NodeID: nodeID, Field: field})
			}
		}
	}
	return fields
}

// isSentinelSeed reports whether a seed value means "pick one for me".
// A literal 0 counts as unset, same as -1.
func isSentinelSeed(v interface{}) bool {
	switch val := v.(type) {
	case float64:
		return val == -1 || val == 0
	case int:
		return val == -1 || val == 0
	case int64:
		return val == -1 || val == 0
	case string:
		return val == "-1" || val == "0"
	}
	return false
}

// RandomSeed draws a positive random seed below max.
func RandomSeed(max int64) int64 {
	return rand.Int64N(max-1) + 1
}

// Seed value ranges: sentinel resolution mirrors the server's own
// 32-bit seed space, batch variation stays within 31 bits so seeds
// survive JSON round-trips through float64 exactly.
const (
	SentinelSeedMax  = 1 << 32
	VariationSeedMax = 1 << 31
)

// ResolveSentinelSeeds replaces sentinel values of fields literally
// named "seed" or "noise_seed" with fresh random seeds, preventing the
// server from deduplicating identical submissions. Returns the
// resolved values keyed by "nodeId.field"; each field is resolved at
// most once per call and the graph carries the recorded value.
func ResolveSentinelSeeds(g Graph) map[string]int64 {
	resolved := map[string]int64{}
	for nodeID, node := range g {
		inputs, ok := node["inputs"].(map[string]interface{})
		if !ok {
			continue
		}
		for _, field := range []string{"seed", "noise_seed"} {
			val, ok := inputs[field]
			if !ok || !isSentinelSeed(val) {
				continue
			}
			seed := RandomSeed(SentinelSeedMax)
			inputs[field] = seed
			resolved[nodeID+"."+field] = seed
		}
	}
	return resolved
}

// DetectNodes lists the input fields and declared output nodes of a
// workflow document, used when importing a workflow.
func DetectNodes(workflowJSON map[string]interface{}) (inputs, outputs []DetectedNode, err error) {
	g, err := NormalizeGraph(workflowJSON)
	if err != nil {
		return nil, nil, err
	}
	for nodeID, node := range g {
		classType, _ := node["class_type"].(string)
		if nodeInputMap, ok := node["inputs"].(map[string]interface{}); ok {
			for field, value := range nodeInputMap {
				desc := classType
				if desc == "" {
					desc = "Input"
				}
				inputs = append(inputs, DetectedNode{
					NodeID:       nodeID,
					FieldPath:    field,
					Label:        nodeID + "." + field,
					Type:         jsonTypeName(value),
					CurrentValue: value,
					Description:  desc,
				})
			}
		}
		if outputClassTypes[classType] {
			outputs = append(outputs, DetectedNode{
				NodeID:      nodeID,
				FieldPath:   "output",
				Label:       nodeID + ".output",
				Type:        "output",
				Description: classType,
			})
		}
	}
	return inputs, outputs, nil
}

// DetectedNode describes one discovered input or output field.
type DetectedNode struct {
	NodeID       string      `json:"nodeId"`
	FieldPath    string      `json:"fieldPath"`
	Label        string      `json:"label"`
	Type         string      `json:"type"`
	CurrentValue interface{} `json:"currentValue"`
	Description  string      `json:"description"`
}

func jsonTypeName(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "bool"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	case nil:
		return "null"
	}
	return "unknown"
}
