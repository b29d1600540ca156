package kobold

// SamplerSettings is the fixed set of decoding parameters sent with every
// text generation request. The values are policy constants; tune them
// here, never in the prompt assembler.
type SamplerSettings struct {
	N                     int     `json:"n"`
	MaxContextLength      int     `json:"max_context_length"`
	RepPen                float64 `json:"rep_pen"`
	Temperature           float64 `json:"temperature"`
	TopP                  float64 `json:"top_p"`
	TopK                  int     `json:"top_k"`
	TopA                  float64 `json:"top_a"`
	Typical               float64 `json:"typical"`
	TFS                   float64 `json:"tfs"`
	RepPenRange           int     `json:"rep_pen_range"`
	RepPenSlope           float64 `json:"rep_pen_slope"`
	SamplerOrder          []int   `json:"sampler_order"`
	MinP                  float64 `json:"min_p"`
	GenKey                string  `json:"genkey"`
	Quiet                 bool    `json:"quiet"`
	TrimStop              bool    `json:"trim_stop"`
	UseDefaultBadWordsIDs bool    `json:"use_default_badwordsids"`
}

func DefaultSamplerSettings() SamplerSettings {
	return SamplerSettings{
		N:                1,
		MaxContextLength: 4096,
		RepPen:           1.07,
		Temperature:      0.8,
		TopP:             0.9,
		TopK:             100,
		TopA:             0,
		Typical:          1,
		TFS:              1,
		RepPenRange:      320,
		RepPenSlope:      0.7,
		SamplerOrder:     []int{6, 0, 1, 3, 4, 2, 5},
		MinP:             0,
		GenKey:           "KCPP8888",
		Quiet:            true,
		TrimStop:         true,
	}
}

// GenerateRequest is the text generation payload. Built fresh per call,
// never mutated after construction.
type GenerateRequest struct {
	SamplerSettings
	Memory       string   `json:"memory"`
	Prompt       string   `json:"prompt"`
	MaxLength    int      `json:"max_length"`
	StopSequence []string `json:"stop_sequence"`
	Images       []string `json:"images,omitempty"` // base64, image description only
}

// ImageRequest is the txt2img payload.
type ImageRequest struct {
	Prompt         string  `json:"prompt"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	NegativePrompt string  `json:"negative_prompt"`
	Steps          int     `json:"steps"`
	CfgScale       float64 `json:"cfg_scale"`
}

// TranscribeRequest is the speech-to-text payload.
type TranscribeRequest struct {
	AudioData         string `json:"audio_data"` // base64 WAV
	LangCode          string `json:"langcode"`
	SuppressNonSpeech bool   `json:"suppress_non_speech"`
	Prompt            string `json:"prompt"`
}

// SearchResult is one websearch hit.
type SearchResult struct {
	Title string `json:"title"`
	Desc  string `json:"desc"`
	URL   string `json:"url"`
}
