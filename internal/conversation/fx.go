package conversation

import (
	"github.com/wisdar/engine/internal/conversation/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("conversation.repository",
	fx.Provide(repository.Provide),
)
