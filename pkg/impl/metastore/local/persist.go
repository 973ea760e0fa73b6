package local

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
)

// save writes docs to a temp file next to path, then renames it over path, so
// a crash mid-save leaves the previous version intact.
func save(path string, docs []*doc) error {
	tmp := tempPath(path)

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, d := range docs {
		b, err := bson.Marshal(d)
		if err != nil {
			f.Close()
			return fmt.Errorf("Marshal(%s): %w", d.ID, err)
		}

		if _, err := w.Write(b); err != nil {
			f.Close()
			return fmt.Errorf("Write: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("Flush: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("Sync: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("Close: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("Rename: %w", err)
	}

	return nil
}

// load reads every doc from path, ordered by Seq. A missing file is an empty
// collection.
func load(path string) ([]*doc, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("Open: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var docs []*doc

	for {
		b, err := readOne(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}

		d := &doc{}
		if err := bson.Unmarshal(b, d); err != nil {
			return nil, fmt.Errorf("Unmarshal: %w", err)
		}

		docs = append(docs, d)
	}

	sort.Slice(docs, func(i, j int) bool {
		return docs[i].Seq < docs[j].Seq
	})

	return docs, nil
}

func readOne(r io.Reader) ([]byte, error) {
	// see: https://bsonspec.org/spec.html

	var sizeBytes [4]byte
	_, err := io.ReadFull(r, sizeBytes[:])
	if err != nil {
		// might be io.EOF; that's okay.
		return nil, err
	}

	size := int(binary.LittleEndian.Uint32(sizeBytes[:]))
	if size < 5 {
		return nil, fmt.Errorf("invalid BSON document length: want>=5, got=%d", size)
	}

	docBytes := make([]byte, size)
	copy(docBytes[0:4], sizeBytes[:])
	_, err = io.ReadFull(r, docBytes[4:])
	if err != nil {
		return nil, fmt.Errorf("ReadFull(doc): %w", err)
	}

	return docBytes, nil
}
