package domain

// TargetDevice identifies the hardware the platform compiles for.
type TargetDevice string

const (
	TargetCPULarge    TargetDevice = "cpu_c5"
	TargetGPUStandard TargetDevice = "gpu_t4"
	TargetJetsonNano  TargetDevice = "jetson_nano"
	TargetRaspberryPi TargetDevice = "rasp3b"
)

// DataConfig describes the shape of the traced model's input tensor,
// e.g. {"input0": [1, 3, 224, 224]}.
type DataConfig struct {
	InputShapes map[string][]int64 `json:"input_shapes"`
	Framework   string             `json:"framework"` // "pytorch", "tensorflow", "onnx"
}

// ModelPackage is a compiled model registered with the hosting side of
// the platform: a container image plus the model data it serves.
type ModelPackage struct {
	Name         string            `json:"name"`
	Image        string            `json:"image"` // hosting container image URI
	ModelDataURL string            `json:"model_data_url"`
	Environment  map[string]string `json:"environment,omitempty"`
}
