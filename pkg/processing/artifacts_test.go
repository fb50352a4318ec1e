package processing

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/fault"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func TestMatchOutputs(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.csv":          "1",
		"b.json":         "{}",
		"c.txt":          "x",
		"nested/d.csv":   "2",
		"nested/e/f.csv": "3",
		"J1.log":         "log",
	})

	tests := []struct {
		name     string
		patterns []string
		want     []string
	}{
		{name: "top level", patterns: []string{"*.csv"}, want: []string{"a.csv"}},
		{name: "recursive", patterns: []string{"**/*.csv"}, want: []string{"a.csv", "nested/d.csv", "nested/e/f.csv"}},
		{name: "several patterns deduplicated", patterns: []string{"*.csv", "a.*"}, want: []string{"a.csv"}},
		{name: "leading dot slash", patterns: []string{"./b.json"}, want: []string{"b.json"}},
		{name: "log excluded", patterns: []string{"*.log"}, want: nil},
		{name: "no match", patterns: []string{"*.parquet"}, want: nil},
		{name: "empty pattern skipped", patterns: []string{""}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := matchOutputs(dir, tt.patterns, "J1.log")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchOutputsInvalidPattern(t *testing.T) {
	_, err := matchOutputs(t.TempDir(), []string{"[a-"})
	require.Error(t, err)
	assert.True(t, fault.HasKey(err, "processing/INVALID_GLOB_PATTERN"))
}

func TestListOutputs(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.csv": "1", "sub/b.csv": "2", "J1.log": "l"})

	files, err := listOutputs(dir, "J1.log")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.csv", "sub/b.csv"}, files)
}

func TestWriteArchive(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.csv": "id,score\n1,0.9\n", "sub/b.csv": "id\n2\n"})
	dst := filepath.Join(t.TempDir(), "J1_result_file.zip")

	data, err := writeArchive(dir, []string{"a.csv", "sub/b.csv"}, dst)
	require.NoError(t, err)

	raw, err := os.ReadFile(dst)
	require.NoError(t, err)
	sum := md5.Sum(raw)
	assert.Equal(t, hex.EncodeToString(sum[:]), data.MD5Hash)
	assert.Equal(t, int64(len(raw)), data.Size)
	assert.Equal(t, "J1_result_file.zip", data.Filename)
	assert.Equal(t, zipMimeType, data.MimeType)

	zr, err := zip.OpenReader(dst)
	require.NoError(t, err)
	defer zr.Close()

	contents := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		contents[f.Name] = string(b)
	}
	assert.Equal(t, map[string]string{"a.csv": "id,score\n1,0.9\n", "sub/b.csv": "id\n2\n"}, contents)
}

func bundleRecord(id string, result, metrics []string) *types.JobRecord {
	return &types.JobRecord{
		LayoutVersion: types.CurrentLayoutVersion,
		Data: &types.Processing{
			ID: id,
			Processor: types.Processor{Configuration: types.ProcessorConfiguration{
				OutputResultFileGlobPatterns:  result,
				OutputMetricsFileGlobPatterns: metrics,
			}},
		},
	}
}

func TestBuildBundles(t *testing.T) {
	layout := NewLayout(t.TempDir(), "J1")
	require.NoError(t, layout.Create())
	writeFiles(t, layout.OutputDir, map[string]string{"a.csv": "1", "b.json": "{}", "c.txt": "x", "J1.log": "log"})

	bundles, err := buildBundles(bundleRecord("J1", []string{"*.csv"}, []string{"*.json"}), layout)
	require.NoError(t, err)
	require.Len(t, bundles, 2)

	assert.Equal(t, types.OutputResult, bundles[0].kind)
	assert.Equal(t, []string{"a.csv", "J1.log"}, bundles[0].files)
	assert.Equal(t, layout.ArchivePath(types.OutputResult), bundles[0].path)

	assert.Equal(t, types.OutputMetrics, bundles[1].kind)
	assert.Equal(t, []string{"b.json"}, bundles[1].files)
}

func TestBuildBundlesSkipsEmptyKind(t *testing.T) {
	layout := NewLayout(t.TempDir(), "J1")
	require.NoError(t, layout.Create())
	writeFiles(t, layout.OutputDir, map[string]string{"b.json": "{}"})

	bundles, err := buildBundles(bundleRecord("J1", []string{"*.csv"}, []string{"*.json"}), layout)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, types.OutputMetrics, bundles[0].kind)
}

func TestBuildBundlesNoMatch(t *testing.T) {
	layout := NewLayout(t.TempDir(), "J1")
	require.NoError(t, layout.Create())
	writeFiles(t, layout.OutputDir, map[string]string{"c.txt": "x", "J1.log": "log"})

	_, err := buildBundles(bundleRecord("J1", []string{"*.csv"}, []string{"*.json"}), layout)
	require.Error(t, err)
	assert.True(t, fault.HasKey(err, "processing/NO_MATCHING_FILES"))
}

func TestCheckDataset(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deny := false
	allow := true

	tests := []struct {
		name string
		file types.DatasetFile
		key  string
	}{
		{name: "valid", file: types.DatasetFile{PublicURLExpiresAt: "2026-03-01T13:00:00Z"}},
		{name: "no expiry", file: types.DatasetFile{}},
		{name: "explicitly allowed", file: types.DatasetFile{AllowPublicAccess: &allow}},
		{name: "fractional seconds", file: types.DatasetFile{PublicURLExpiresAt: "2026-03-01T12:00:00.500Z"}},
		{name: "expired", file: types.DatasetFile{PublicURLExpiresAt: "2026-03-01T11:59:59Z"}, key: "processing/DATASET_EXPIRED"},
		{name: "expires now", file: types.DatasetFile{PublicURLExpiresAt: "2026-03-01T12:00:00Z"}, key: "processing/DATASET_EXPIRED"},
		{name: "malformed", file: types.DatasetFile{PublicURLExpiresAt: "tomorrow"}, key: "processing/INVALID_DATASET_EXPIRATION"},
		{name: "access denied", file: types.DatasetFile{AllowPublicAccess: &deny}, key: "processing/DATASET_ACCESS_DENIED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkDataset(tt.file, now)
			if tt.key == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, fault.HasKey(err, tt.key), err.Error())
		})
	}
}

func TestBuildArgs(t *testing.T) {
	p := &types.Processing{
		Processor: types.Processor{Configuration: types.ProcessorConfiguration{
			Command:               "run",
			DatasetInputArgument:  "input",
			DatasetInputValue:     "/data/inputs",
			DatasetOutputArgument: "output",
			DatasetOutputValue:    "/data/outputs",
		}},
		Dataset:       types.Dataset{File: types.DatasetFile{Filename: "data.csv"}},
		Configuration: []types.Param{{Key: "epochs", Value: "3"}, {Key: "", Value: "ignored"}},
	}

	assert.Equal(t, []string{
		"run",
		"--input", "/data/inputs/data.csv",
		"--output", "/data/outputs",
		"--epochs", "3",
	}, buildArgs(p))

	p.Processor.Configuration.Command = ""
	assert.Equal(t, "--input", buildArgs(p)[0])
}

func TestValidateProcessing(t *testing.T) {
	valid := func() *types.Processing {
		return &types.Processing{
			ID: "J1",
			Processor: types.Processor{ImageTag: "img:1", Configuration: types.ProcessorConfiguration{
				DatasetInputValue:  "/in",
				DatasetOutputValue: "/out",
			}},
			Dataset: types.Dataset{File: types.DatasetFile{Filename: "data.csv", PublicURL: "http://x/data"}},
		}
	}

	require.NoError(t, validateProcessing("J1", valid()))

	tests := []struct {
		name   string
		mutate func(p *types.Processing)
		key    string
	}{
		{name: "id mismatch", mutate: func(p *types.Processing) { p.ID = "J2" }, key: "processing/MISSING_PROCESSING_DATA"},
		{name: "no image", mutate: func(p *types.Processing) { p.Processor.ImageTag = "" }, key: "processing/MISSING_PROCESSING_DATA"},
		{name: "no url", mutate: func(p *types.Processing) { p.Dataset.File.PublicURL = "" }, key: "processing/MISSING_PROCESSING_DATA"},
		{name: "no filename", mutate: func(p *types.Processing) { p.Dataset.File.Filename = "" }, key: "processing/MISSING_PROCESSING_DATA"},
		{name: "escaping filename", mutate: func(p *types.Processing) { p.Dataset.File.Filename = "../data.csv" }, key: "processing/INVALID_DATASET_FILENAME"},
		{name: "relative input", mutate: func(p *types.Processing) { p.Processor.Configuration.DatasetInputValue = "in" }, key: "processing/MISSING_PROCESSING_DATA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			err := validateProcessing("J1", p)
			require.Error(t, err)
			assert.True(t, fault.HasKey(err, tt.key))
		})
	}
}
