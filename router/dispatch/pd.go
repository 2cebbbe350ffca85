package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// PDRequestID builds the request ID shared by both stages of a
// prefill/decode request. Workers parse the addresses out of it to set up
// the KV transfer, so the scheme is stripped.
func PDRequestID(prefillURL, decodeURL string) string {
	return fmt.Sprintf("___prefill_addr_%s___decode_addr_%s_%s",
		hostPort(prefillURL), hostPort(decodeURL), strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func hostPort(url string) string {
	url = strings.TrimPrefix(url, "http://")
	url = strings.TrimPrefix(url, "https://")
	return strings.TrimRight(url, "/")
}

// PreparePrefillBody rewrites an OpenAI-style JSON body into a prefill-only
// request: one output token, no streaming, and a kv_transfer_params block
// asking the worker to keep its KV cache for a remote decode.
func PreparePrefillBody(body []byte) ([]byte, error) {
	doc, err := decodeObject(body)
	if err != nil {
		return nil, fmt.Errorf("prefill request body: %w", err)
	}
	doc["max_tokens"] = 1
	if _, ok := doc["max_completion_tokens"]; ok {
		doc["max_completion_tokens"] = 1
	}
	if n, ok := doc["min_tokens"].(json.Number); ok {
		if v, err := n.Int64(); err == nil && v > 1 {
			doc["min_tokens"] = 1
		}
	}
	doc["stream"] = false
	delete(doc, "stream_options")
	doc["kv_transfer_params"] = map[string]any{
		"do_remote_decode":  true,
		"do_remote_prefill": false,
		"remote_engine_id":  nil,
		"remote_block_ids":  nil,
		"remote_host":       nil,
		"remote_port":       nil,
	}
	return json.Marshal(doc)
}

// DecodeBody returns the body sent to the decode worker: the original
// request, plus the kv_transfer_params returned by prefill when there are any.
// The original body is returned untouched when either side is not a JSON object.
func DecodeBody(original, prefillResponse []byte) []byte {
	resp, err := decodeObject(prefillResponse)
	if err != nil {
		return original
	}
	params, ok := resp["kv_transfer_params"]
	if !ok || params == nil {
		return original
	}
	doc, err := decodeObject(original)
	if err != nil {
		return original
	}
	doc["kv_transfer_params"] = params
	out, err := json.Marshal(doc)
	if err != nil {
		return original
	}
	return out
}

// WantsLogprobs reports whether a request body asks for logprobs (or echo)
// without streaming. Only such responses are merged by MergeLogprobs.
func WantsLogprobs(body []byte) bool {
	doc, err := decodeObject(body)
	if err != nil {
		return false
	}
	_, logprobs := doc["logprobs"]
	echo, _ := doc["echo"].(bool)
	stream, _ := doc["stream"].(bool)
	return (logprobs || echo) && !stream
}

// MergeLogprobs folds the prompt logprobs computed by prefill into the decode
// response. It handles the generate shape (meta_info.input_token_logprobs),
// chat completions (top-level prompt_logprobs) and completions (per-choice
// prompt_logprobs and the flattened logprobs arrays, where prefill's own
// output token is dropped and decode text offsets are shifted past the
// prompt). The decode body is returned unchanged, with false, when nothing
// was merged.
func MergeLogprobs(prefillBody, decodeBody []byte) ([]byte, bool) {
	prefill, err := decodeObject(prefillBody)
	if err != nil {
		return decodeBody, false
	}
	decode, err := decodeObject(decodeBody)
	if err != nil {
		return decodeBody, false
	}

	merged := false
	if pm, ok := prefill["meta_info"].(map[string]any); ok {
		if dm, ok := decode["meta_info"].(map[string]any); ok {
			pa, pok := pm["input_token_logprobs"].([]any)
			da, dok := dm["input_token_logprobs"].([]any)
			if pok && dok {
				dm["input_token_logprobs"] = concat(pa, da)
				merged = true
			}
		}
	}
	if lp, ok := prefill["prompt_logprobs"]; ok {
		decode["prompt_logprobs"] = lp
		merged = true
	}

	dchoices, _ := decode["choices"].([]any)
	pchoices, _ := prefill["choices"].([]any)
	for i := 0; i < len(dchoices) && i < len(pchoices); i++ {
		dc, dok := dchoices[i].(map[string]any)
		pc, pok := pchoices[i].(map[string]any)
		if !dok || !pok {
			continue
		}
		if mergeChoiceLogprobs(pc, dc) {
			merged = true
		}
	}

	if !merged {
		return decodeBody, false
	}
	out, err := json.Marshal(decode)
	if err != nil {
		return decodeBody, false
	}
	return out, true
}

func mergeChoiceLogprobs(prefill, decode map[string]any) bool {
	merged := false
	promptLogprobs, hasPrompt := prefill["prompt_logprobs"]
	if hasPrompt {
		decode["prompt_logprobs"] = promptLogprobs
		merged = true
	}
	plp, pok := prefill["logprobs"].(map[string]any)
	dlp, dok := decode["logprobs"].(map[string]any)
	if !pok || !dok {
		return merged
	}

	// Prefill ran with max_tokens=1: its arrays hold the prompt plus one
	// output token, and only the prompt part is kept.
	promptLen := 0
	if arr, ok := promptLogprobs.([]any); ok {
		promptLen = len(arr)
	}
	prompt := func(key string) ([]any, []any, bool) {
		pa, pok := plp[key].([]any)
		da, dok := dlp[key].([]any)
		if !pok || !dok {
			return nil, nil, false
		}
		return pa[:min(promptLen, len(pa))], da, true
	}

	for _, key := range []string{"token_logprobs", "tokens", "top_logprobs"} {
		if pa, da, ok := prompt(key); ok {
			dlp[key] = concat(pa, da)
			merged = true
		}
	}

	if pa, da, ok := prompt("text_offset"); ok {
		out := concat(pa, nil)
		if len(pa) > 0 {
			base := asInt(pa[len(pa)-1])
			if tokens, ok := plp["tokens"].([]any); ok && promptLen > 0 && len(tokens) >= promptLen {
				if last, ok := tokens[promptLen-1].(string); ok {
					base += int64(len(last))
				}
			}
			for _, v := range da {
				if n, ok := v.(json.Number); ok {
					if off, err := n.Int64(); err == nil {
						out = append(out, off+base)
					}
				}
			}
		} else {
			out = append(out, da...)
		}
		dlp["text_offset"] = out
		merged = true
	}
	return merged
}

func concat(a, b []any) []any {
	out := make([]any, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func asInt(v any) int64 {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	return 0
}

func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("expected a JSON object")
	}
	return doc, nil
}
