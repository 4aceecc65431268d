package constitution

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/aristath/warden/internal/domain"
)

// fileSchema mirrors the YAML document structure for unmarshalling. It is
// internal to the loader; the validated values are copied into the immutable
// Document.
type fileSchema struct {
	Version string `mapstructure:"version"`
	Sleeves struct {
		Gen SleevePolicy `mapstructure:"gen"`
		Rev SleevePolicy `mapstructure:"rev"`
		Com SleevePolicy `mapstructure:"com"`
	} `mapstructure:"sleeves"`
	Capital   CapitalPolicy   `mapstructure:"capital"`
	Protocol  ProtocolPolicy  `mapstructure:"protocol"`
	Liquidity LiquidityPolicy `mapstructure:"liquidity"`
	Hedging   HedgingPolicy   `mapstructure:"hedging"`
	LLMS      LLMSPolicy      `mapstructure:"llms"`
}

// Load reads and validates the Constitution document from the given YAML
// file. Validation failures return ConfigError; the process must not start
// without a valid document.
func Load(path string) (*Document, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, domain.WrapError(domain.ErrConfig, err, "failed to read constitution")
	}

	var raw fileSchema
	if err := v.Unmarshal(&raw); err != nil {
		return nil, domain.WrapError(domain.ErrConfig, err, "failed to parse constitution")
	}

	return build(raw)
}

// LoadFromReader parses a document from an in-memory YAML string. Used by
// tests and by the loader itself.
func LoadFromReader(yamlText string) (*Document, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(yamlText)); err != nil {
		return nil, domain.WrapError(domain.ErrConfig, err, "failed to read constitution")
	}

	var raw fileSchema
	if err := v.Unmarshal(&raw); err != nil {
		return nil, domain.WrapError(domain.ErrConfig, err, "failed to parse constitution")
	}

	return build(raw)
}

func build(raw fileSchema) (*Document, error) {
	doc := &Document{
		version: raw.Version,
		sleeves: map[domain.Sleeve]SleevePolicy{
			domain.SleeveGen: raw.Sleeves.Gen,
			domain.SleeveRev: raw.Sleeves.Rev,
			domain.SleeveCom: raw.Sleeves.Com,
		},
		capital:   raw.Capital,
		protocol:  raw.Protocol,
		liquidity: raw.Liquidity,
		hedging:   raw.Hedging,
		llms:      raw.LLMS,
	}

	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}
