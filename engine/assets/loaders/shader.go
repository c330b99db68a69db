package loaders

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gogpu/naga"
)

// SPIRVMagic is the first word of every SPIR-V module.
const SPIRVMagic = 0x07230203

var ErrInvalidSPIRV = errors.New("invalid SPIR-V")

// ShaderLoader reads shader stages as SPIR-V words. WGSL sources are
// compiled with naga; .spv files are used as they are.
type ShaderLoader struct {
	Options naga.CompileOptions
}

func NewShaderLoader() *ShaderLoader {
	return &ShaderLoader{Options: naga.DefaultOptions()}
}

func (sl *ShaderLoader) Load(path string) ([]uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".spv":
		code, err := BytesToBytecode(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return code, nil
	case ".wgsl":
		code, err := sl.Compile(string(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return code, nil
	default:
		return nil, fmt.Errorf("%s: unknown shader extension", path)
	}
}

// Compile turns WGSL source into SPIR-V words.
func (sl *ShaderLoader) Compile(source string) ([]uint32, error) {
	spirvBytes, err := naga.CompileWithOptions(source, sl.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to compile shader: %w", err)
	}
	return BytesToBytecode(spirvBytes)
}

// BytesToBytecode reinterprets little-endian bytes as SPIR-V words and
// checks the module header.
func BytesToBytecode(b []byte) ([]uint32, error) {
	if len(b) < 20 || len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSPIRV, len(b))
	}
	byteCode := make([]uint32, len(b)/4)
	for i := range byteCode {
		byteIndex := i * 4
		byteCode[i] = uint32(b[byteIndex]) |
			uint32(b[byteIndex+1])<<8 |
			uint32(b[byteIndex+2])<<16 |
			uint32(b[byteIndex+3])<<24
	}
	if byteCode[0] != SPIRVMagic {
		return nil, fmt.Errorf("%w: magic %#08x", ErrInvalidSPIRV, byteCode[0])
	}
	return byteCode, nil
}
