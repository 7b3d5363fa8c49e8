package batch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Collect reads the class files named by paths. Directories are walked for
// *.class files; plain files are read whatever their name.
func Collect(paths ...string) ([]Class, error) {
	var classes []Class
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			c, err := readClass(p)
			if err != nil {
				return nil, err
			}
			classes = append(classes, c)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".class") {
				return nil
			}
			c, err := readClass(path)
			if err != nil {
				return err
			}
			classes = append(classes, c)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", p, err)
		}
	}
	return classes, nil
}

func readClass(path string) (Class, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Class{}, err
	}
	return Class{Path: path, Data: data}, nil
}
