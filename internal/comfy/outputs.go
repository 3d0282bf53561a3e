package comfy

import (
	"path/filepath"
	"sort"
	"strings"
)

// OutputItem is one produced output file descriptor.
type OutputItem struct {
	NodeID    string `json:"nodeId"`
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Kind      string `json:"type"`
}

// NodeOutput groups the media lists a node may declare.
type NodeOutput struct {
	Images []rawOutput `json:"images"`
	Videos []rawOutput `json:"videos"`
	Gifs   []rawOutput `json:"gifs"`
	Audio  []rawOutput `json:"audio"`
}

type rawOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Kind      string `json:"type"`
}

// ExtractOutputs flattens a history entry's outputs into ordered
// items. Node ids are visited in sorted order so "first output" is
// deterministic.
func ExtractOutputs(outputs map[string]NodeOutput) []OutputItem {
	nodeIDs := make([]string, 0, len(outputs))
	for id := range outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	var items []OutputItem
	for _, nodeID := range nodeIDs {
		out := outputs[nodeID]
		for _, group := range [][]rawOutput{out.Images, out.Videos, out.Gifs, out.Audio} {
			for _, entry := range group {
				if entry.Filename == "" {
					continue
				}
				kind := entry.Kind
				if kind == "" {
					kind = "output"
				}
				items = append(items, OutputItem{
					NodeID:    nodeID,
					Filename:  entry.Filename,
					Subfolder: entry.Subfolder,
					Kind:      kind,
				})
			}
		}
	}
	return items
}

// Ref returns the output reference handed to downstream pipeline
// steps: "subfolder/filename", or the bare filename when the item has
// no subfolder.
func (o OutputItem) Ref() string {
	if o.Subfolder != "" {
		return o.Subfolder + "/" + o.Filename
	}
	return o.Filename
}

// InferOutputType maps a filename extension to a MIME type. Unknown
// extensions fall back to application/octet-stream.
func InferOutputType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".wav":
		return "audio/wav"
	case ".gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}
