package command

import (
	"encoding/json"
	"fmt"
	"sort"
)

var constructors = map[string]func() Command{
	CreateInstrument{}.CommandName():     func() Command { return &CreateInstrument{} },
	CreateStandard{}.CommandName():       func() Command { return &CreateStandard{} },
	UpdateStandard{}.CommandName():       func() Command { return &UpdateStandard{} },
	CreateSample{}.CommandName():         func() Command { return &CreateSample{} },
	UpdateSample{}.CommandName():         func() Command { return &UpdateSample{} },
	CreateReplicate{}.CommandName():      func() Command { return &CreateReplicate{} },
	UpdateReplicate{}.CommandName():      func() Command { return &UpdateReplicate{} },
	SetReplicateDisabled{}.CommandName(): func() Command { return &SetReplicateDisabled{} },
	DeleteReplicate{}.CommandName():      func() Command { return &DeleteReplicate{} },
	ImportRawFile{}.CommandName():        func() Command { return &ImportRawFile{} },
	DeleteRawFile{}.CommandName():        func() Command { return &DeleteRawFile{} },
	CreateCorrInterval{}.CommandName():   func() Command { return &CreateCorrInterval{} },
	UpdateCorrInterval{}.CommandName():   func() Command { return &UpdateCorrInterval{} },
	DeleteCorrInterval{}.CommandName():   func() Command { return &DeleteCorrInterval{} },
	SetIntervalAnalyses{}.CommandName():  func() Command { return &SetIntervalAnalyses{} },
	CreateAnalysis{}.CommandName():       func() Command { return &CreateAnalysis{} },
	UpdateAnalysis{}.CommandName():       func() Command { return &UpdateAnalysis{} },
	PutStepParameters{}.CommandName():    func() Command { return &PutStepParameters{} },
	DeleteStepParameters{}.CommandName(): func() Command { return &DeleteStepParameters{} },
}

// Names lists every command accepted by Decode.
func Names() []string {
	out := make([]string, 0, len(constructors))
	for name := range constructors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Decode builds the named command from its JSON arguments.
func Decode(name string, raw json.RawMessage) (Command, error) {
	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown command %q", name)
	}
	cmd := ctor()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, cmd); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return cmd, nil
}
