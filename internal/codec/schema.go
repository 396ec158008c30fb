package codec

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/linkedin/goavro/v2"
	"github.com/xeipuuv/gojsonschema"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

var (
	msgFieldType = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(/[A-Za-z][A-Za-z0-9_]*)*(<=\d+)?(\[(<=)?\d*\])?$`)
	msgFieldName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
)

// validateMsgDefinition checks a ROS .msg definition, including the
// concatenated dependency sections separated by "===" lines.
func validateMsgDefinition(schema []byte) error {
	sc := bufio.NewScanner(bytes.NewReader(schema))
	sc.Buffer(make([]byte, 0, 64*1024), len(schema)+1)
	line, fields := 0, 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" || strings.HasPrefix(text, "===") || strings.HasPrefix(text, "MSG:") {
			continue
		}
		// Constants may contain spaces in string values: "string S=a b".
		head := text
		if eq := strings.IndexByte(text, '='); eq >= 0 {
			head = strings.TrimSpace(text[:eq])
		}
		parts := strings.Fields(head)
		if len(parts) < 2 {
			return fmt.Errorf("line %d: %q is not a field declaration", line, text)
		}
		if !msgFieldType.MatchString(parts[0]) {
			return fmt.Errorf("line %d: bad field type %q", line, parts[0])
		}
		if !msgFieldName.MatchString(parts[1]) {
			return fmt.Errorf("line %d: bad field name %q", line, parts[1])
		}
		fields++
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if fields == 0 {
		return errors.New("definition declares no fields")
	}
	return nil
}

// validateIDL only checks for a non-blank document with balanced braces.
func validateIDL(schema []byte) error {
	if len(bytes.TrimSpace(schema)) == 0 {
		return errors.New("idl is blank")
	}
	if bytes.Count(schema, []byte("{")) != bytes.Count(schema, []byte("}")) {
		return errors.New("unbalanced braces")
	}
	return nil
}

func validateJSONSchema(schema []byte) error {
	_, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	return err
}

// validateDescriptorSet expects a serialized FileDescriptorSet, the form
// protobuf schemas take in MCAP files.
func validateDescriptorSet(schema []byte) error {
	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(schema, &set); err != nil {
		return err
	}
	if len(set.GetFile()) == 0 {
		return errors.New("descriptor set has no files")
	}
	return nil
}

func validateAvroSchema(schema []byte) error {
	_, err := goavro.NewCodec(string(schema))
	return err
}
