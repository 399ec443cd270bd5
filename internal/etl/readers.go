package etl

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/segmentio/parquet-go"
)

// RecordReader yields dataset records until io.EOF. Errors wrapping
// errSkipRecord affect only the current record.
type RecordReader interface {
	Next() (*DataRecord, error)
}

var errSkipRecord = errors.New("skipping malformed record")

// csvReader maps columns by header name; only "text" is required
type csvReader struct {
	reader   *csv.Reader
	textCol  int
	labelTxt int
	labelCol int
}

func newCSVReader(r io.Reader) (*csvReader, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	cr := &csvReader{reader: reader, textCol: -1, labelTxt: -1, labelCol: -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))) {
		case "text":
			cr.textCol = i
		case "label_text":
			cr.labelTxt = i
		case "label":
			cr.labelCol = i
		}
	}
	if cr.textCol < 0 {
		return nil, fmt.Errorf("CSV header %v has no text column", header)
	}
	return cr, nil
}

func (r *csvReader) Next() (*DataRecord, error) {
	row, err := r.reader.Read()
	if err == io.EOF {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errSkipRecord, err)
	}
	if r.textCol >= len(row) {
		return nil, fmt.Errorf("%w: CSV row has %d fields, text column is %d", errSkipRecord, len(row), r.textCol)
	}

	record := &DataRecord{Text: strings.TrimSpace(row[r.textCol])}
	if r.labelTxt >= 0 && r.labelTxt < len(row) {
		record.LabelText = strings.TrimSpace(row[r.labelTxt])
	}
	if r.labelCol >= 0 && r.labelCol < len(row) {
		record.Label = parseLabel(row[r.labelCol])
	}
	return record, nil
}

// parseLabel accepts integers and booleans; anything else is 0
func parseLabel(s string) int {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "true", "yes":
		return 1
	case "false", "no", "":
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return 0
}

type parquetReader struct {
	reader *parquet.Reader
}

func newParquetReader(r io.ReaderAt) *parquetReader {
	return &parquetReader{reader: parquet.NewReader(r)}
}

func (r *parquetReader) Next() (*DataRecord, error) {
	var record DataRecord
	if err := r.reader.Read(&record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *parquetReader) Close() error {
	return r.reader.Close()
}

// jsonReader decodes a stream of JSON objects, typically one per line
type jsonReader struct {
	decoder *json.Decoder
}

func newJSONReader(r io.Reader) *jsonReader {
	return &jsonReader{decoder: json.NewDecoder(r)}
}

func (r *jsonReader) Next() (*DataRecord, error) {
	var record DataRecord
	if err := r.decoder.Decode(&record); err != nil {
		return nil, err
	}
	return &record, nil
}
