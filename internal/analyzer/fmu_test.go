package analyzer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/fmucheck/internal/model"
)

const bouncingBall2 = `<?xml version="1.0" encoding="UTF-8"?>
<fmiModelDescription fmiVersion="2.0" modelName="BouncingBall"
  guid="{8c4e810f-3df3-4a00-8276-176fa3c9f003}"
  description="This model calculates the trajectory of a bouncing ball"
  generationTool="Reference FMUs" generationDateAndTime="2024-01-01T00:00:00Z"
  numberOfEventIndicators="1">
  <ModelExchange modelIdentifier="BouncingBall"/>
  <CoSimulation modelIdentifier="BouncingBall"/>
  <UnitDefinitions>
    <Unit name="m"/>
    <Unit name="m/s"/>
  </UnitDefinitions>
  <TypeDefinitions>
    <SimpleType name="Position"><Real unit="m"/></SimpleType>
  </TypeDefinitions>
  <ModelVariables>
    <ScalarVariable name="time" valueReference="0" causality="independent" variability="continuous"><Real/></ScalarVariable>
    <ScalarVariable name="h" valueReference="1" causality="output" variability="continuous" initial="exact" description="Position of the ball"><Real start="1" declaredType="Position"/></ScalarVariable>
    <ScalarVariable name="der(h)" valueReference="2" causality="local" variability="continuous" initial="calculated"><Real derivative="2" unit="m/s"/></ScalarVariable>
    <ScalarVariable name="e" valueReference="3" causality="parameter" variability="tunable"><Real start="0.7"/></ScalarVariable>
  </ModelVariables>
  <ModelStructure>
    <Outputs><Unknown index="2"/></Outputs>
    <Derivatives><Unknown index="3"/></Derivatives>
  </ModelStructure>
</fmiModelDescription>`

const dahlquist3 = `<?xml version="1.0" encoding="UTF-8"?>
<fmiModelDescription fmiVersion="3.0" modelName="Dahlquist" instantiationToken="{221063D2-EF4A-45FE-B954-B5BFEEA9A59B}">
  <ModelExchange modelIdentifier="Dahlquist"/>
  <CoSimulation modelIdentifier="Dahlquist"/>
  <ModelVariables>
    <Float64 name="time" valueReference="0" causality="independent" variability="continuous"/>
    <Float64 name="x" valueReference="1" causality="output" variability="continuous" initial="exact" start="1"/>
    <Float64 name="der(x)" valueReference="2" causality="local" variability="continuous" initial="calculated" derivative="1"/>
    <Float64 name="k" valueReference="3" causality="parameter" variability="fixed" start="1"/>
  </ModelVariables>
  <ModelStructure>
    <Output valueReference="1"/>
    <ContinuousStateDerivative valueReference="2"/>
    <InitialUnknown valueReference="2"/>
  </ModelStructure>
</fmiModelDescription>`

// writeFMU builds an archive from name -> content pairs.
func writeFMU(t *testing.T, files map[string]string) string {
	t.Helper()
	name := filepath.Join(t.TempDir(), "model.fmu")
	f, err := os.Create(name)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for entry, content := range files {
		w, err := zw.Create(entry)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return name
}

func analyze(t *testing.T, files map[string]string) (*Report, error) {
	t.Helper()
	return NewFMUAnalyzer(nil).Analyze(context.Background(), writeFMU(t, files))
}

func TestAnalyze_FMI2(t *testing.T) {
	r, err := analyze(t, map[string]string{
		"modelDescription.xml":            bouncingBall2,
		"binaries/linux64/BouncingBall.so": "elf",
		"binaries/win64/BouncingBall.dll":  "pe",
		"sources/model.c":                  "int x;",
	})
	require.NoError(t, err)

	assert.Equal(t, "2.0", r.FMIVersion)
	assert.Equal(t, "BouncingBall", r.ModelName)
	assert.Equal(t, []string{"Model Exchange", "Co-Simulation"}, r.FMITypes)
	assert.Equal(t, []string{"c-code", "linux64", "win64"}, r.Platforms)
	assert.Equal(t, 1, r.ContinuousStates)
	assert.Equal(t, 1, r.EventIndicators)
	assert.Equal(t, 4, r.ModelVariables)
	assert.Equal(t, "Reference FMUs", r.GenerationTool)
	assert.Len(t, r.SHA256, 64)
	assert.Positive(t, r.FileSize)
	assert.Len(t, r.Files, 4)
	assert.Empty(t, r.Problems)
	assert.True(t, r.Passed)

	h := r.Variables[1]
	assert.Equal(t, "Real", h.Type)
	assert.Equal(t, "1", h.Start)
	assert.Equal(t, "m", h.Unit, "unit comes from the declared type")
	assert.Equal(t, "Position of the ball", h.Description)
}

func TestAnalyze_FMI3(t *testing.T) {
	r, err := analyze(t, map[string]string{"modelDescription.xml": dahlquist3})
	require.NoError(t, err)

	assert.Equal(t, "3.0", r.FMIVersion)
	assert.Equal(t, "{221063D2-EF4A-45FE-B954-B5BFEEA9A59B}", r.GUID)
	assert.Equal(t, 1, r.ContinuousStates)
	assert.Equal(t, 0, r.EventIndicators)
	assert.Equal(t, "Float64", r.Variables[1].Type)
	assert.Empty(t, r.Problems)
	assert.True(t, r.Passed)
}

func TestAnalyze_Problems(t *testing.T) {
	md := `<fmiModelDescription fmiVersion="2.0" modelName="Broken" guid="{x}">
  <CoSimulation modelIdentifier="Broken"/>
  <ModelVariables>
    <ScalarVariable name="p" valueReference="0" causality="parameter" variability="continuous"><Real/></ScalarVariable>
    <ScalarVariable name="p" valueReference="1" causality="local"><Integer/></ScalarVariable>
    <ScalarVariable name="y" valueReference="2" causality="output"><Real unit="K" declaredType="Temperature"/></ScalarVariable>
    <ScalarVariable name="n" valueReference="3" causality="local" variability="continuous"><Integer/></ScalarVariable>
  </ModelVariables>
  <ModelStructure>
    <Outputs><Unknown index="4"/><Unknown index="9"/></Outputs>
  </ModelStructure>
</fmiModelDescription>`

	r, err := analyze(t, map[string]string{"modelDescription.xml": md})
	require.NoError(t, err, "validation problems are part of a successful analysis")
	assert.False(t, r.Passed)

	want := []string{
		`The combination causality="parameter" and variability="continuous" in variable "p" is not allowed`,
		`Variable "p" (causality="parameter", variability="continuous") must have a start value`,
		`Variable name "p" is not unique`,
		`Declared type "Temperature" of variable "y" is not defined`,
		`Unit "K" of variable "y" is not defined`,
		`Variable "n" of type Integer cannot be continuous`,
		`ModelStructure/Outputs/Unknown index 4 refers to variable "n" with causality "local", expected "output"`,
		`ModelStructure/Outputs/Unknown index "9" is out of range`,
		`Output variable "y" is missing from ModelStructure`,
	}
	assert.Equal(t, want, r.Problems)
}

func TestAnalyze_MissingInterface(t *testing.T) {
	md := `<fmiModelDescription fmiVersion="2.0" modelName="" guid=""><ModelVariables/></fmiModelDescription>`
	r, err := analyze(t, map[string]string{"modelDescription.xml": md})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Attribute modelName is required",
		"Attribute guid is required",
		"The FMU must implement at least one interface (ModelExchange, CoSimulation or ScheduledExecution)",
	}, r.Problems)
}

func TestAnalyze_Failures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(t *testing.T) string
		message   string
		condition string
	}{
		{
			name: "no model description",
			setup: func(t *testing.T) string {
				return writeFMU(t, map[string]string{"README.txt": "hi"})
			},
			message:   "failed to read model description",
			condition: "modelDescription.xml not found",
		},
		{
			name: "malformed xml",
			setup: func(t *testing.T) string {
				return writeFMU(t, map[string]string{"modelDescription.xml": "<fmiModelDescription"})
			},
			message:   "failed to read model description",
			condition: "XML syntax error",
		},
		{
			name: "not an archive",
			setup: func(t *testing.T) string {
				name := filepath.Join(t.TempDir(), "plain.fmu")
				require.NoError(t, os.WriteFile(name, []byte("definitely not a zip"), 0o644))
				return name
			},
			message: "failed to open archive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFMUAnalyzer(nil).Analyze(context.Background(), tt.setup(t))
			var af *model.AnalysisFailure
			require.True(t, errors.As(err, &af), "err = %v", err)
			assert.Equal(t, tt.message, af.Message)
			assert.Contains(t, af.Condition, tt.condition)
		})
	}
}

func TestAnalyze_Documentation(t *testing.T) {
	para := strings.Repeat("The bouncing ball model drops a ball from a height and lets it bounce off the ground. ", 12)
	html := `<html><head><title>BouncingBall</title></head><body><article><h1>BouncingBall</h1><p>` +
		para + `</p><p>` + para + `</p></article></body></html>`

	r, err := analyze(t, map[string]string{
		"modelDescription.xml":     bouncingBall2,
		"documentation/index.html": html,
	})
	require.NoError(t, err)
	require.NotNil(t, r.Documentation)
	assert.Contains(t, r.Documentation.Text, "bouncing ball model")
	assert.Positive(t, r.Documentation.WordCount)
}

func TestReportEncoding(t *testing.T) {
	r, err := analyze(t, map[string]string{"modelDescription.xml": dahlquist3})
	require.NoError(t, err)
	blob, err := r.Encode()
	require.NoError(t, err)
	back, err := DecodeReport(blob)
	require.NoError(t, err)
	assert.Equal(t, r.ModelName, back.ModelName)
	assert.Equal(t, r.Variables, back.Variables)
}

func TestPlatforms(t *testing.T) {
	got := platforms([]string{
		"binaries/darwin64/m.dylib",
		"binaries/x86_64-linux/m.so",
		"sources/buildDescription.xml",
		"documentation/index.html",
	})
	assert.Equal(t, []string{"c-code", "darwin64", "x86_64-linux"}, got)
}
