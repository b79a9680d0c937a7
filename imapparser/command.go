package imapparser

import "strings"

// Command is the tag and name every IMAP command line starts with; the
// remaining tokens are read by the caller with the Scanner's other
// Read* methods, since each command has its own argument grammar.
type Command struct {
	Tag  string
	Name string
	UID  bool // "UID FETCH"/"UID STORE"/"UID COPY"/"UID SEARCH" prefix
}

// ReadCommand reads a command's tag and name (including a leading UID
// prefix, if present) from s.
func ReadCommand(s *Scanner) (Command, error) {
	tag, err := s.ReadAtom()
	if err != nil {
		return Command{}, err
	}
	name, err := s.ReadAtom()
	if err != nil {
		return Command{}, err
	}
	cmd := Command{Tag: tag}
	if strings.EqualFold(name, "UID") {
		cmd.UID = true
		name, err = s.ReadAtom()
		if err != nil {
			return Command{}, err
		}
	}
	cmd.Name = strings.ToUpper(name)
	return cmd, nil
}
