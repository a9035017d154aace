package httpapi

import (
	"time"

	"github.com/mindfulware/companionapi/lib/dialogue"
)

type LoginRequest struct {
	Body struct {
		Username string `json:"username" doc:"Account username"`
		Password string `json:"password" doc:"Account password"`
	}
}

type LoginResponse struct {
	Body struct {
		Ok       bool   `json:"ok"`
		Username string `json:"username"`
	}
}

type MessageRequest struct {
	Body struct {
		Content string `json:"content" minLength:"1" doc:"Raw user input for one turn"`
	}
}

type MessageResponse struct {
	Body struct {
		Ok bool `json:"ok"`
		// Dropped is true when the turn was ignored because a request
		// was already in flight.
		Dropped bool `json:"dropped"`
	}
}

type Message struct {
	Id            int                      `json:"id"`
	Author        dialogue.Author          `json:"author"`
	Text          string                   `json:"text"`
	Mode          dialogue.InteractionMode `json:"mode,omitempty"`
	RevealDelayMs int64                    `json:"revealDelayMs"`
	Time          time.Time                `json:"time"`
}

type MessagesResponse struct {
	Body struct {
		Messages []Message `json:"messages"`
	}
}

type StatusResponse struct {
	Body StatusChangeBody
}

type ReflectionResponse struct {
	Body struct {
		DeepReflection bool `json:"deepReflection"`
	}
}

type LogoutResponse struct {
	Body struct {
		Ok bool `json:"ok"`
	}
}
