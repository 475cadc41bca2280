package finetune

import (
	"errors"
	"fmt"
)

// FineTuneParameter describes a hyperparameter a provider accepts.
type FineTuneParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
}

var providerParameters = map[string][]FineTuneParameter{
	"openai": {
		{
			Name:        "batch_size",
			Type:        "int",
			Description: "Number of examples in each batch. A larger batch size means that model parameters are updated less frequently, but with lower variance. Defaults to 'auto'",
			Optional:    true,
		},
		{
			Name:        "learning_rate_multiplier",
			Type:        "float",
			Description: "Scaling factor for the learning rate. A smaller learning rate may be useful to avoid overfitting. Defaults to 'auto'",
			Optional:    true,
		},
		{
			Name:        "n_epochs",
			Type:        "int",
			Description: "The number of epochs to train the model for. An epoch refers to one full cycle through the training dataset. Defaults to 'auto'",
			Optional:    true,
		},
		{
			Name:        "seed",
			Type:        "int",
			Description: "The seed controls the reproducibility of the job. Passing in the same seed and job parameters should produce the same results, but may differ in rare cases. If a seed is not specified, one will be generated for you.",
			Optional:    true,
		},
	},
	"fireworks_ai": {
		{
			Name:        "epochs",
			Type:        "int",
			Description: "The number of epochs to fine-tune for. If not provided, defaults to a recommended value.",
			Optional:    true,
		},
		{
			Name:        "learning_rate",
			Type:        "float",
			Description: "The learning rate to use for fine-tuning. If not provided, defaults to a recommended value.",
			Optional:    true,
		},
		{
			Name:        "batch_size",
			Type:        "int",
			Description: "The batch size of dataset used in training can be configured with a positive integer less than 1024 and in power of 2. If not specified, a reasonable default value will be chosen.",
			Optional:    true,
		},
		{
			Name:        "lora_rank",
			Type:        "int",
			Description: "LoRA rank refers to the dimensionality of trainable matrices in Low-Rank Adaptation fine-tuning, balancing model adaptability and computational efficiency in fine-tuning large language models. The LoRA rank used in training can be configured with a positive integer with a max value of 32. If not specified, a reasonable default value will be chosen.",
			Optional:    true,
		},
	},
}

var ErrUnknownProvider = errors.New("fine tune provider not found")

// Hyperparameters lists the parameters a fine-tune provider accepts.
func Hyperparameters(providerID string) ([]FineTuneParameter, error) {
	params, ok := providerParameters[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownProvider, providerID)
	}
	return append([]FineTuneParameter(nil), params...), nil
}
