package analyzer

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// modelDescription covers the parts of modelDescription.xml shared by
// FMI 2.0 and 3.0 that the report and the checks need.
type modelDescription struct {
	XMLName               xml.Name      `xml:"fmiModelDescription"`
	FMIVersion            string        `xml:"fmiVersion,attr"`
	ModelName             string        `xml:"modelName,attr"`
	GUID                  string        `xml:"guid,attr"`
	InstantiationToken    string        `xml:"instantiationToken,attr"`
	Description           string        `xml:"description,attr"`
	GenerationTool        string        `xml:"generationTool,attr"`
	GenerationDateAndTime string        `xml:"generationDateAndTime,attr"`
	EventIndicators       string        `xml:"numberOfEventIndicators,attr"`
	ModelExchange         *fmiInterface `xml:"ModelExchange"`
	CoSimulation          *fmiInterface `xml:"CoSimulation"`
	ScheduledExecution    *fmiInterface `xml:"ScheduledExecution"`
	Units                 []unitDef     `xml:"UnitDefinitions>Unit"`
	TypeDefinitions       xmlNode       `xml:"TypeDefinitions"`
	ModelVariables        xmlNode       `xml:"ModelVariables"`
	ModelStructure        xmlNode       `xml:"ModelStructure"`

	variables     []Variable
	declaredTypes map[string]declaredType
}

type fmiInterface struct {
	ModelIdentifier string `xml:"modelIdentifier,attr"`
}

type unitDef struct {
	Name string `xml:"name,attr"`
}

type declaredType struct {
	Type string
	Unit string
}

// xmlNode is a generic element; variable and type elements differ between
// FMI versions, so they are decoded generically and interpreted afterwards.
type xmlNode struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Nodes   []xmlNode  `xml:",any"`
}

func (n xmlNode) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func (n xmlNode) children(name string) []xmlNode {
	var out []xmlNode
	for _, c := range n.Nodes {
		if c.XMLName.Local == name {
			out = append(out, c)
		}
	}
	return out
}

func (n xmlNode) child(name string) (xmlNode, bool) {
	for _, c := range n.Nodes {
		if c.XMLName.Local == name {
			return c, true
		}
	}
	return xmlNode{}, false
}

func parseModelDescription(r io.Reader) (*modelDescription, error) {
	var md modelDescription
	dec := xml.NewDecoder(r)
	// Tools emit ISO-8859-1 and windows-1252 headers; attribute values used
	// here are ASCII in practice, so decode them as-is.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }
	if err := dec.Decode(&md); err != nil {
		return nil, err
	}
	if md.FMIVersion == "" {
		return nil, fmt.Errorf("attribute fmiVersion is missing")
	}
	md.declaredTypes = md.parseTypeDefinitions()
	md.variables = md.parseVariables()
	return &md, nil
}

func (md *modelDescription) isFMI3() bool {
	return strings.HasPrefix(md.FMIVersion, "3.")
}

func (md *modelDescription) parseTypeDefinitions() map[string]declaredType {
	types := map[string]declaredType{}
	for _, n := range md.TypeDefinitions.Nodes {
		name := n.attr("name")
		if name == "" {
			continue
		}
		if n.XMLName.Local == "SimpleType" {
			// FMI 2.0: <SimpleType name><Real unit/></SimpleType>
			for _, c := range n.Nodes {
				types[name] = declaredType{Type: c.XMLName.Local, Unit: c.attr("unit")}
				break
			}
			continue
		}
		// FMI 3.0: <Float64Type name unit/>
		types[name] = declaredType{
			Type: strings.TrimSuffix(n.XMLName.Local, "Type"),
			Unit: n.attr("unit"),
		}
	}
	return types
}

func (md *modelDescription) parseVariables() []Variable {
	vars := make([]Variable, 0, len(md.ModelVariables.Nodes))
	for _, n := range md.ModelVariables.Nodes {
		v := Variable{
			Name:           n.attr("name"),
			ValueReference: n.attr("valueReference"),
			Causality:      n.attr("causality"),
			Variability:    n.attr("variability"),
			Initial:        n.attr("initial"),
			Description:    n.attr("description"),
		}
		typed := n
		if n.XMLName.Local == "ScalarVariable" {
			// FMI 2.0 keeps the type as the single child element.
			if len(n.Nodes) > 0 {
				typed = n.Nodes[0]
			}
			v.Type = typed.XMLName.Local
		} else {
			v.Type = n.XMLName.Local
		}
		v.Start = typed.attr("start")
		if v.Start == "" {
			if s, ok := typed.child("Start"); ok {
				v.Start = s.attr("value")
			}
		}
		v.Unit = typed.attr("unit")
		v.DeclaredType = typed.attr("declaredType")
		if v.Unit == "" && v.DeclaredType != "" {
			v.Unit = md.declaredTypes[v.DeclaredType].Unit
		}
		if v.Causality == "" {
			v.Causality = "local"
		}
		if v.Variability == "" {
			if isRealType(v.Type) {
				v.Variability = "continuous"
			} else {
				v.Variability = "discrete"
			}
		}
		vars = append(vars, v)
	}
	return vars
}

func (md *modelDescription) fmiTypes() []string {
	var types []string
	if md.ModelExchange != nil {
		types = append(types, "Model Exchange")
	}
	if md.CoSimulation != nil {
		types = append(types, "Co-Simulation")
	}
	if md.ScheduledExecution != nil {
		types = append(types, "Scheduled Execution")
	}
	return types
}

func (md *modelDescription) continuousStates() int {
	if md.isFMI3() {
		return len(md.ModelStructure.children("ContinuousStateDerivative"))
	}
	if d, ok := md.ModelStructure.child("Derivatives"); ok {
		return len(d.children("Unknown"))
	}
	return 0
}

func (md *modelDescription) eventIndicators() int {
	if md.isFMI3() {
		return len(md.ModelStructure.children("EventIndicator"))
	}
	n, _ := strconv.Atoi(strings.TrimSpace(md.EventIndicators))
	return n
}

func (md *modelDescription) guid() string {
	if md.isFMI3() {
		return md.InstantiationToken
	}
	return md.GUID
}

func isRealType(t string) bool {
	return t == "Real" || strings.HasPrefix(t, "Float")
}
