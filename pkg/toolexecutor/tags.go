package toolexecutor

import "github.com/harun/curie/pkg/conversation"

var defaultTags = map[string]conversation.Tag{
	"get_files_with_description":      conversation.TagJSONFiles,
	"get_activities_by_activity_name": conversation.TagJSONButton,
	"get_hotels":                      conversation.TagJSONButton,
	"get_button":                      conversation.TagJSONButton,
	"search_image":                    conversation.TagUIReference,
}

// DefaultTag classifies the output of a tool by its name.
func DefaultTag(name string) conversation.Tag {
	if tag, ok := defaultTags[name]; ok {
		return tag
	}
	return conversation.TagText
}
