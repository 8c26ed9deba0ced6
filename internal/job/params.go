package job

// One concrete params struct per OperationType, each implementing
// OperationParams via the unexported opType() method. Keeping the method
// unexported closes the interface to this package: only the types listed
// here can ever satisfy OperationParams.

type TranscodeParams struct {
	VideoCodec           string `json:"video_codec,omitempty"`
	AudioCodec           string `json:"audio_codec,omitempty"`
	Preset               string `json:"preset,omitempty"`
	CRF                  *int   `json:"crf,omitempty"`
	VideoBitrate         string `json:"video_bitrate,omitempty"`
	AudioBitrate         string `json:"audio_bitrate,omitempty"`
	Width                *int   `json:"width,omitempty"`
	Height               *int   `json:"height,omitempty"`
	FPS                  *int   `json:"fps,omitempty"`
	Profile              string `json:"profile,omitempty"`
	Level                string `json:"level,omitempty"`
	Tune                 string `json:"tune,omitempty"`
	PixelFormat          string `json:"pixel_format,omitempty"`
	HardwareAcceleration string `json:"hardware_acceleration,omitempty"`
	GOPSize              *int   `json:"gop_size,omitempty"`
	BFrames              *int   `json:"b_frames,omitempty"`
	AllowLossless        bool   `json:"allow_lossless,omitempty"`
}

func (TranscodeParams) opType() OperationType { return OpTranscode }

type TrimParams struct {
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	Duration string `json:"duration,omitempty"`
}

func (TrimParams) opType() OperationType { return OpTrim }

type ScaleParams struct {
	Width     string `json:"width,omitempty"` // even int, "auto", or "-1"
	Height    string `json:"height,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
}

func (ScaleParams) opType() OperationType { return OpScale }

type WatermarkParams struct {
	Image    string  `json:"image"`
	Position string  `json:"position,omitempty"`
	Opacity  float64 `json:"opacity,omitempty"`
	Scale    float64 `json:"scale,omitempty"`
}

func (WatermarkParams) opType() OperationType { return OpWatermark }

type FilterParams struct {
	Name       string  `json:"name"`
	Brightness float64 `json:"brightness,omitempty"`
	Contrast   float64 `json:"contrast,omitempty"`
	Saturation float64 `json:"saturation,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
}

func (FilterParams) opType() OperationType { return OpFilter }

type CropParams struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	X      int `json:"x"`
	Y      int `json:"y"`
}

func (CropParams) opType() OperationType { return OpCrop }

type RotateParams struct {
	Degrees int `json:"degrees"` // 90, 180, 270
}

func (RotateParams) opType() OperationType { return OpRotate }

type FlipParams struct {
	Axis string `json:"axis"` // horizontal, vertical
}

func (FlipParams) opType() OperationType { return OpFlip }

type AudioParams struct {
	Volume     string `json:"volume,omitempty"` // 0..10 or "-?\d+(\.\d+)?dB"
	SampleRate *int   `json:"sample_rate,omitempty"`
	Channels   *int   `json:"channels,omitempty"`
}

func (AudioParams) opType() OperationType { return OpAudio }

type SubtitleParams struct {
	Path     string `json:"path"`
	Burn     bool   `json:"burn,omitempty"`
	Language string `json:"language,omitempty"`
}

func (SubtitleParams) opType() OperationType { return OpSubtitle }

type ThumbnailParams struct {
	Mode    string `json:"mode"` // single, multiple, best, sprite
	Count   int    `json:"count,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Quality int    `json:"quality,omitempty"`
}

func (ThumbnailParams) opType() OperationType { return OpThumbnail }

type ConcatParams struct {
	Inputs []string `json:"inputs"`
	Mode   string   `json:"mode"` // demuxer, filter
}

func (ConcatParams) opType() OperationType { return OpConcat }

type StreamVariant struct {
	Bitrate string `json:"bitrate"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
}

type StreamParams struct {
	Format   string          `json:"format"` // hls, dash
	Variants []StreamVariant `json:"variants,omitempty"`
}

func (StreamParams) opType() OperationType { return OpStream }
