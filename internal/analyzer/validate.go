package analyzer

import (
	"fmt"
	"strconv"
	"strings"
)

var (
	validCausality = map[string]bool{
		"parameter": true, "calculatedParameter": true, "input": true,
		"output": true, "local": true, "independent": true,
		"structuralParameter": true,
	}
	validVariability = map[string]bool{
		"constant": true, "fixed": true, "tunable": true,
		"discrete": true, "continuous": true,
	}
)

// validate runs the static checks on a parsed model description and returns
// human-readable problems in document order. An empty slice means it passed.
func validate(md *modelDescription) []string {
	problems := []string{}
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !strings.HasPrefix(md.FMIVersion, "2.") && !md.isFMI3() {
		add("Unsupported FMI version %q", md.FMIVersion)
	}
	if md.ModelName == "" {
		add("Attribute modelName is required")
	}
	if md.guid() == "" {
		if md.isFMI3() {
			add("Attribute instantiationToken is required")
		} else {
			add("Attribute guid is required")
		}
	}

	interfaces := []struct {
		name string
		i    *fmiInterface
	}{
		{"ModelExchange", md.ModelExchange},
		{"CoSimulation", md.CoSimulation},
		{"ScheduledExecution", md.ScheduledExecution},
	}
	implemented := 0
	for _, it := range interfaces {
		if it.i == nil {
			continue
		}
		implemented++
		if it.i.ModelIdentifier == "" {
			add("Attribute modelIdentifier of element %s is required", it.name)
		}
	}
	if implemented == 0 {
		add("The FMU must implement at least one interface (ModelExchange, CoSimulation or ScheduledExecution)")
	}

	units := map[string]bool{}
	for _, u := range md.Units {
		units[u.Name] = true
	}

	seen := map[string]bool{}
	for i, v := range md.variables {
		if v.Name == "" {
			add("Variable #%d has no name", i+1)
		} else if seen[v.Name] {
			add("Variable name %q is not unique", v.Name)
		}
		seen[v.Name] = true

		problems = append(problems, checkVariable(v)...)

		if v.DeclaredType != "" {
			if _, ok := md.declaredTypes[v.DeclaredType]; !ok {
				add("Declared type %q of variable %q is not defined", v.DeclaredType, v.Name)
			}
		}
		if v.Unit != "" && !units[v.Unit] {
			add("Unit %q of variable %q is not defined", v.Unit, v.Name)
		}
	}

	problems = append(problems, checkOutputs(md)...)
	return problems
}

func checkVariable(v Variable) []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !validCausality[v.Causality] {
		add("Variable %q has an invalid causality %q", v.Name, v.Causality)
		return problems
	}
	if !validVariability[v.Variability] {
		add("Variable %q has an invalid variability %q", v.Name, v.Variability)
		return problems
	}

	if !causalityAllows(v.Causality, v.Variability) {
		add("The combination causality=%q and variability=%q in variable %q is not allowed",
			v.Causality, v.Variability, v.Name)
	}
	if v.Variability == "continuous" && !isRealType(v.Type) && v.Type != "Clock" {
		add("Variable %q of type %s cannot be continuous", v.Name, v.Type)
	}

	needsStart := v.Causality == "input" || v.Causality == "parameter" ||
		v.Causality == "structuralParameter" || v.Variability == "constant" ||
		v.Initial == "exact" || v.Initial == "approx"
	switch {
	case v.Causality == "independent" && v.Start != "":
		add("Variable %q with causality \"independent\" must not have a start value", v.Name)
	case v.Initial == "calculated" && v.Start != "":
		add("Variable %q with initial=\"calculated\" must not have a start value", v.Name)
	case needsStart && v.Start == "" && v.Type != "Clock":
		add("Variable %q (causality=%q, variability=%q) must have a start value",
			v.Name, v.Causality, v.Variability)
	}
	return problems
}

func causalityAllows(causality, variability string) bool {
	switch causality {
	case "parameter", "calculatedParameter", "structuralParameter":
		return variability == "fixed" || variability == "tunable"
	case "input":
		return variability == "discrete" || variability == "continuous"
	case "independent":
		return variability == "continuous"
	}
	return true
}

// checkOutputs verifies that the ModelStructure output list and the
// variables with causality "output" describe the same set.
func checkOutputs(md *modelDescription) []string {
	var problems []string
	listed := map[int]bool{}

	if md.isFMI3() {
		byVR := map[string]int{}
		for i, v := range md.variables {
			byVR[v.ValueReference] = i
		}
		for _, o := range md.ModelStructure.children("Output") {
			vr := o.attr("valueReference")
			i, ok := byVR[vr]
			if !ok {
				problems = append(problems, fmt.Sprintf("ModelStructure/Output valueReference %s does not exist", vr))
				continue
			}
			listed[i] = true
			if c := md.variables[i].Causality; c != "output" {
				problems = append(problems, fmt.Sprintf(
					"ModelStructure/Output valueReference %s refers to variable %q with causality %q, expected \"output\"",
					vr, md.variables[i].Name, c))
			}
		}
	} else {
		outputs, _ := md.ModelStructure.child("Outputs")
		for _, u := range outputs.children("Unknown") {
			index, err := strconv.Atoi(u.attr("index"))
			if err != nil || index < 1 || index > len(md.variables) {
				problems = append(problems, fmt.Sprintf("ModelStructure/Outputs/Unknown index %q is out of range", u.attr("index")))
				continue
			}
			i := index - 1
			listed[i] = true
			if c := md.variables[i].Causality; c != "output" {
				problems = append(problems, fmt.Sprintf(
					"ModelStructure/Outputs/Unknown index %d refers to variable %q with causality %q, expected \"output\"",
					index, md.variables[i].Name, c))
			}
		}
	}

	for i, v := range md.variables {
		if v.Causality == "output" && !listed[i] {
			problems = append(problems, fmt.Sprintf("Output variable %q is missing from ModelStructure", v.Name))
		}
	}
	return problems
}
