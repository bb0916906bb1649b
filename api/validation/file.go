package validation

import (
	"bytes"
	"fmt"
	"path"
	"strings"
)

type FileType string

const (
	FileTypePNG  FileType = "png"
	FileTypeJPEG FileType = "jpeg"
	FileTypeGIF  FileType = "gif"
	FileTypeWEBP FileType = "webp"
)

var magicBytes = map[FileType][]byte{
	FileTypePNG:  {0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
	FileTypeJPEG: {0xFF, 0xD8, 0xFF},
	FileTypeGIF:  {0x47, 0x49, 0x46, 0x38},
}

var extensions = map[string]FileType{
	".png":  FileTypePNG,
	".jpg":  FileTypeJPEG,
	".jpeg": FileTypeJPEG,
	".gif":  FileTypeGIF,
	".webp": FileTypeWEBP,
}

func (f FileType) ContentType() string {
	return "image/" + string(f)
}

// DetectFileType identifies an image by its leading bytes.
func DetectFileType(data []byte) (FileType, error) {
	for fileType, signature := range magicBytes {
		if bytes.HasPrefix(data, signature) {
			return fileType, nil
		}
	}
	// RIFF container: "RIFF" <size:4> "WEBP"
	if len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")) {
		return FileTypeWEBP, nil
	}
	return "", ErrInvalidFileType
}

// ValidateImage checks an uploaded image against the size limit, its
// content signature and, when it has a known image extension, its name.
func ValidateImage(filename string, data []byte, maxSize int64) (FileType, error) {
	if len(data) == 0 {
		return "", ErrEmptyFile
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return "", fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(data))
	}

	fileType, err := DetectFileType(data)
	if err != nil {
		return "", err
	}

	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		return fileType, nil
	}
	expected, known := extensions[ext]
	if !known {
		return "", fmt.Errorf("%w: %s", ErrInvalidFileType, ext)
	}
	if expected != fileType {
		return "", fmt.Errorf("%w: %s is %s", ErrExtensionMismatch, ext, fileType)
	}
	return fileType, nil
}
