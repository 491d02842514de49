package model

// StatusIDs implementations let the action framework attribute status
// events to an import and note without knowing the payload type.

func (d NoteJobData) StatusIDs() (string, string)          { return d.ImportID, d.NoteID }
func (d IngredientJobData) StatusIDs() (string, string)    { return d.ImportID, d.NoteID }
func (d InstructionJobData) StatusIDs() (string, string)   { return d.ImportID, d.NoteID }
func (d CategorizationJobData) StatusIDs() (string, string) { return d.ImportID, d.NoteID }
func (d PatternJobData) StatusIDs() (string, string)       { return "", "" }
