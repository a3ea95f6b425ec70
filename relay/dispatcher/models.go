package dispatcher

import (
	"context"

	"github.com/songquanpeng/conduit-gateway/relay/model"
	"github.com/songquanpeng/conduit-gateway/store"
)

// Models aggregates the distinct enabled aliases across every enabled
// provider into the GET /v1/models response shape.
func (d *Dispatcher) Models(ctx context.Context) (*model.ModelsResponse, *model.ErrorWithStatusCode) {
	providers, err := d.cfg.AllProviders(ctx)
	if err != nil {
		return nil, model.NewError(model.KindConfiguration, "failed to list providers")
	}

	seen := map[string]bool{}
	out := &model.ModelsResponse{Object: "list"}

	for _, p := range providers {
		mappings, err := d.cfg.ModelMappingsForProvider(ctx, p.Id)
		if err != nil {
			continue
		}
		for _, mp := range mappings {
			if mp.Status != store.StatusEnabled || seen[mp.Alias] {
				continue
			}
			seen[mp.Alias] = true
			out.Data = append(out.Data, model.ModelInfo{
				Id:      mp.Alias,
				Object:  "model",
				OwnedBy: p.Name,
			})
		}
	}

	return out, nil
}
