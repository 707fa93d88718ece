package engine

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/mykhaliev/mcp-chaos-harness/logger"
	"github.com/mykhaliev/mcp-chaos-harness/model"
	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"
)

// Waits shorter than this are not counted as throttling.
const significantWait = 10 * time.Millisecond

type RateLimitStats struct {
	ThrottleCount      int   `json:"throttleCount"`
	ThrottleWaitTimeMs int64 `json:"throttleWaitTimeMs"`
}

// RateLimitedLLM throttles calls to the wrapped model so a run stays inside
// the provider's TPM/RPM quota. Throttling is proactive and best-effort:
// token counts are estimated with tiktoken before the call and calibrated
// against the usage the provider reports. Provider errors, 429 included,
// are returned unchanged.
type RateLimitedLLM struct {
	wrapped    llms.Model
	tpmLimiter *rate.Limiter
	rpmLimiter *rate.Limiter
	modelName  string

	calibrationMu          sync.Mutex
	calibrationRatio       float64
	calibrationInitialized bool

	statsMu          sync.Mutex
	throttleCount    int
	throttleWaitTime time.Duration
}

func NewRateLimitedLLM(wrapped llms.Model, cfg model.RateLimitConfig, modelName string) *RateLimitedLLM {
	rl := &RateLimitedLLM{
		wrapped:   wrapped,
		modelName: modelName,
	}

	// Rate per second, burst of one minute's worth.
	if cfg.TPM > 0 {
		tokensPerSecond := float64(cfg.TPM) / 60.0
		rl.tpmLimiter = rate.NewLimiter(rate.Limit(tokensPerSecond), cfg.TPM)
		logger.Logger.Info("Rate limiter configured", "type", "TPM", "limit", cfg.TPM, "tokens_per_second", tokensPerSecond)
	}
	if cfg.RPM > 0 {
		requestsPerSecond := float64(cfg.RPM) / 60.0
		rl.rpmLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), cfg.RPM)
		logger.Logger.Info("Rate limiter configured", "type", "RPM", "limit", cfg.RPM, "requests_per_second", requestsPerSecond)
	}

	return rl
}

func (rl *RateLimitedLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if rl.rpmLimiter != nil {
		logger.Logger.Debug("Waiting for RPM rate limit")
		throttleStart := time.Now()
		if err := rl.rpmLimiter.Wait(ctx); err != nil {
			return nil, err
		}
		rl.recordThrottle(time.Since(throttleStart))
	}

	baseEstimatedTokens := rl.estimateInputTokens(messages)
	calibratedTokens := rl.applyCalibration(baseEstimatedTokens)

	if rl.tpmLimiter != nil && calibratedTokens > 0 {
		// WaitN fails outright when n exceeds the burst.
		if calibratedTokens > rl.tpmLimiter.Burst() {
			calibratedTokens = rl.tpmLimiter.Burst()
		}
		logger.Logger.Debug("Waiting for TPM rate limit",
			"base_estimated_tokens", baseEstimatedTokens,
			"calibrated_tokens", calibratedTokens,
			"calibration_ratio", rl.getCalibrationRatio())
		throttleStart := time.Now()
		if err := rl.tpmLimiter.WaitN(ctx, calibratedTokens); err != nil {
			return nil, err
		}
		rl.recordThrottle(time.Since(throttleStart))
	}

	start := time.Now()
	response, err := rl.wrapped.GenerateContent(ctx, messages, options...)
	if err != nil {
		return nil, err
	}

	if response != nil && rl.tpmLimiter != nil {
		actualTokens := getActualTokens(response)
		rl.updateCalibration(baseEstimatedTokens, actualTokens)
		if actualTokens > calibratedTokens {
			// Charge the difference so the next call waits for it.
			reservation := rl.tpmLimiter.ReserveN(time.Now(), actualTokens-calibratedTokens)
			if reservation.OK() {
				logger.Logger.Debug("Reserved additional tokens",
					"calibrated", calibratedTokens,
					"actual", actualTokens,
					"delay", reservation.Delay())
			}
		}
		logger.Logger.Debug("Request completed",
			"base_estimated_tokens", baseEstimatedTokens,
			"actual_tokens", actualTokens,
			"duration", time.Since(start))
	}
	return response, nil
}

func (rl *RateLimitedLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, rl, prompt, options...)
}

func (rl *RateLimitedLLM) recordThrottle(waitTime time.Duration) {
	if waitTime <= significantWait {
		return
	}
	rl.statsMu.Lock()
	defer rl.statsMu.Unlock()
	rl.throttleCount++
	rl.throttleWaitTime += waitTime
	logger.Logger.Debug("Throttle recorded", "count", rl.throttleCount, "wait_time", waitTime)
}

func (rl *RateLimitedLLM) GetStats() RateLimitStats {
	rl.statsMu.Lock()
	defer rl.statsMu.Unlock()
	return RateLimitStats{
		ThrottleCount:      rl.throttleCount,
		ThrottleWaitTimeMs: rl.throttleWaitTime.Milliseconds(),
	}
}

func (rl *RateLimitedLLM) estimateInputTokens(messages []llms.MessageContent) int {
	if rl.modelName != "" {
		if tokens := rl.estimateInputTokensAccurate(messages); tokens > 0 {
			return tokens
		}
	}
	return estimateInputTokensSimple(messages)
}

func (rl *RateLimitedLLM) applyCalibration(estimated int) int {
	if estimated <= 0 {
		return estimated
	}
	ratio := rl.getCalibrationRatio()
	if ratio <= 1.0 {
		return estimated
	}
	return int(math.Ceil(float64(estimated) * ratio))
}

func (rl *RateLimitedLLM) getCalibrationRatio() float64 {
	rl.calibrationMu.Lock()
	defer rl.calibrationMu.Unlock()
	if !rl.calibrationInitialized {
		return 1.0
	}
	return rl.calibrationRatio
}

func (rl *RateLimitedLLM) updateCalibration(estimated, actual int) {
	if estimated <= 0 || actual <= 0 {
		return
	}

	// Bounded to [1, 5] so a single odd response cannot stall the run.
	ratio := math.Min(math.Max(float64(actual)/float64(estimated), 1.0), 5.0)

	rl.calibrationMu.Lock()
	if !rl.calibrationInitialized {
		rl.calibrationRatio = ratio
		rl.calibrationInitialized = true
	} else {
		const alpha = 0.2
		rl.calibrationRatio = (1.0-alpha)*rl.calibrationRatio + alpha*ratio
	}
	current := rl.calibrationRatio
	rl.calibrationMu.Unlock()

	logger.Logger.Debug("Updated token calibration",
		"estimated_tokens", estimated,
		"actual_tokens", actual,
		"calibrated_ratio", current)
}

// estimateInputTokensSimple assumes ~4 characters per token.
func estimateInputTokensSimple(messages []llms.MessageContent) int {
	totalChars := 0
	for _, msg := range messages {
		for _, part := range msg.Parts {
			switch p := part.(type) {
			case llms.TextContent:
				totalChars += len(p.Text)
			case llms.ToolCallResponse:
				totalChars += len(p.Content)
			case llms.ToolCall:
				if p.FunctionCall != nil {
					totalChars += len(p.FunctionCall.Arguments)
				}
			}
		}
	}
	tokens := totalChars / 4
	if tokens < 1 && totalChars > 0 {
		tokens = 1
	}
	return tokens
}

// estimateInputTokensAccurate returns 0 when the model has no tiktoken
// encoding. The estimate adds 50% for the completion and another 50% margin
// on top.
func (rl *RateLimitedLLM) estimateInputTokensAccurate(messages []llms.MessageContent) int {
	tkm, err := tiktoken.EncodingForModel(rl.modelName)
	if err != nil {
		logger.Logger.Debug("Tiktoken encoding not available for model, falling back to simple estimation",
			"model", rl.modelName,
			"error", err.Error())
		return 0
	}

	inputTokens := 0
	for _, msg := range messages {
		for _, part := range msg.Parts {
			switch p := part.(type) {
			case llms.TextContent:
				inputTokens += len(tkm.Encode(p.Text, nil, nil))
			case llms.ToolCallResponse:
				inputTokens += len(tkm.Encode(p.Content, nil, nil))
			}
		}
	}

	totalEstimate := inputTokens + inputTokens/2
	return totalEstimate + totalEstimate/2
}

func getActualTokens(response *llms.ContentResponse) int {
	if response == nil || len(response.Choices) == 0 || response.Choices[0].GenerationInfo == nil {
		return 0
	}
	info := response.Choices[0].GenerationInfo

	for _, key := range []string{"TotalTokens", "total_tokens"} {
		if v := extractInt(info[key]); v > 0 {
			return v
		}
	}
	for _, pair := range [][2]string{
		{"PromptTokens", "CompletionTokens"},
		{"prompt_tokens", "completion_tokens"},
		{"input_tokens", "output_tokens"},
	} {
		if sum := extractInt(info[pair[0]]) + extractInt(info[pair[1]]); sum > 0 {
			return sum
		}
	}
	return 0
}

func extractInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	case float32:
		return int(val)
	case string:
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return 0
}

func HasRateLimiting(cfg model.RateLimitConfig) bool {
	return cfg.TPM > 0 || cfg.RPM > 0
}
