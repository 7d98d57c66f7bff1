package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/yangwenmai/fmucheck/internal/model"
)

const modelDescriptionEntry = "modelDescription.xml"

// FMUAnalyzer reads an FMU archive, reports its metadata and variables and
// runs static checks on its model description.
type FMUAnalyzer struct {
	logger *slog.Logger
}

// NewFMUAnalyzer creates an analyzer. A nil logger uses slog.Default().
func NewFMUAnalyzer(logger *slog.Logger) *FMUAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FMUAnalyzer{logger: logger}
}

// Analyze implements Analyzer. An archive that cannot be opened or that has
// no readable model description is a *model.AnalysisFailure.
func (a *FMUAnalyzer) Analyze(ctx context.Context, filename string) (*Report, error) {
	info, err := os.Stat(filename)
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	sum, err := fileSHA256(filename)
	if err != nil {
		return nil, err
	}

	zr, err := zip.OpenReader(filename)
	if err != nil {
		return nil, &model.AnalysisFailure{Message: "failed to open archive", Condition: err.Error()}
	}
	defer zr.Close()

	var files []string
	var mdFile, docFile *zip.File
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		files = append(files, f.Name)
		switch f.Name {
		case modelDescriptionEntry:
			mdFile = f
		case documentationEntry:
			docFile = f
		}
	}
	if mdFile == nil {
		return nil, &model.AnalysisFailure{
			Message:   "failed to read model description",
			Condition: modelDescriptionEntry + " not found in archive",
		}
	}

	md, err := readModelDescription(mdFile)
	if err != nil {
		return nil, &model.AnalysisFailure{Message: "failed to read model description", Condition: err.Error()}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	problems := validate(md)
	report := &Report{
		FMIVersion:       md.FMIVersion,
		FMITypes:         md.fmiTypes(),
		ModelName:        md.ModelName,
		GUID:             md.guid(),
		Platforms:        platforms(files),
		ContinuousStates: md.continuousStates(),
		EventIndicators:  md.eventIndicators(),
		ModelVariables:   len(md.variables),
		GenerationDate:   md.GenerationDateAndTime,
		GenerationTool:   md.GenerationTool,
		Description:      md.Description,
		SHA256:           sum,
		FileSize:         info.Size(),
		Passed:           len(problems) == 0,
		Problems:         problems,
		Variables:        md.variables,
		Files:            files,
	}

	if docFile != nil {
		doc, err := readDocumentation(docFile)
		if err != nil {
			a.logger.Warn("documentation not extracted", "model", md.ModelName, "error", err)
		} else {
			report.Documentation = doc
		}
	}
	return report, nil
}

func readModelDescription(f *zip.File) (*modelDescription, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return parseModelDescription(rc)
}

func readDocumentation(f *zip.File) (*Documentation, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return extractDocumentation(rc)
}

// platforms lists the binaries/<platform>/ directories that contain files,
// plus "c-code" when the archive ships sources.
func platforms(files []string) []string {
	set := map[string]bool{}
	for _, name := range files {
		parts := strings.Split(name, "/")
		switch {
		case len(parts) >= 3 && parts[0] == "binaries" && parts[1] != "":
			set[parts[1]] = true
		case len(parts) >= 2 && parts[0] == "sources" && path.Ext(name) != "":
			set["c-code"] = true
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func fileSHA256(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
