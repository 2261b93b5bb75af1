package schema

// Идентификаторы классов объектов 3DCityDB (таблица OBJECTCLASS)
const (
	ClassCityObject               = 3
	ClassLandUse                  = 4
	ClassGenericCityObject        = 5
	ClassVegetationObject         = 6
	ClassSolitaryVegetationObject = 7
	ClassPlantCover               = 8
	ClassWaterBody                = 9
	ClassReliefFeature            = 14
	ClassCityFurniture            = 21
	ClassCityObjectGroup          = 23
	ClassAbstractBuilding         = 24
	ClassBuildingPart             = 25
	ClassBuilding                 = 26
	ClassTransportationObject     = 41
	ClassTransportationComplex    = 42
	ClassTrack                    = 43
	ClassRoad                     = 44
	ClassRailway                  = 45
	ClassSquare                   = 46
	ClassAbstractBridge           = 62
	ClassBridgePart               = 63
	ClassBridge                   = 64
	ClassAbstractTunnel           = 83
	ClassTunnelPart               = 84
	ClassTunnel                   = 85
)

// NewCityGMLRegistry создает реестр со встроенными классами CityGML 2.0
func NewCityGMLRegistry() *Registry {
	r := NewRegistry()

	root := &FeatureType{ID: ClassCityObject, Name: "_CityObject", Namespace: NamespaceCore, Prefix: "core", Abstract: true}
	building := &FeatureType{ID: ClassAbstractBuilding, Name: "_AbstractBuilding", Namespace: NamespaceBuilding, Prefix: "bldg", Super: root, Abstract: true}
	vegetation := &FeatureType{ID: ClassVegetationObject, Name: "_VegetationObject", Namespace: NamespaceVegetation, Prefix: "veg", Super: root, Abstract: true}
	transport := &FeatureType{ID: ClassTransportationObject, Name: "_TransportationObject", Namespace: NamespaceTransportation, Prefix: "tran", Super: root, Abstract: true}
	complexType := &FeatureType{ID: ClassTransportationComplex, Name: "TransportationComplex", Namespace: NamespaceTransportation, Prefix: "tran", Super: transport, TopLevel: true}
	bridge := &FeatureType{ID: ClassAbstractBridge, Name: "_AbstractBridge", Namespace: NamespaceBridge, Prefix: "brid", Super: root, Abstract: true}
	tunnel := &FeatureType{ID: ClassAbstractTunnel, Name: "_AbstractTunnel", Namespace: NamespaceTunnel, Prefix: "tun", Super: root, Abstract: true}

	types := []*FeatureType{
		root, building, vegetation, transport, complexType, bridge, tunnel,
		{ID: ClassLandUse, Name: "LandUse", Namespace: NamespaceLandUse, Prefix: "luse", Super: root, TopLevel: true},
		{ID: ClassGenericCityObject, Name: "GenericCityObject", Namespace: NamespaceGeneric, Prefix: "gen", Super: root, TopLevel: true},
		{ID: ClassSolitaryVegetationObject, Name: "SolitaryVegetationObject", Namespace: NamespaceVegetation, Prefix: "veg", Super: vegetation, TopLevel: true},
		{ID: ClassPlantCover, Name: "PlantCover", Namespace: NamespaceVegetation, Prefix: "veg", Super: vegetation, TopLevel: true},
		{ID: ClassWaterBody, Name: "WaterBody", Namespace: NamespaceWaterBody, Prefix: "wtr", Super: root, TopLevel: true},
		{ID: ClassReliefFeature, Name: "ReliefFeature", Namespace: NamespaceRelief, Prefix: "dem", Super: root, TopLevel: true},
		{ID: ClassCityFurniture, Name: "CityFurniture", Namespace: NamespaceFurniture, Prefix: "frn", Super: root, TopLevel: true},
		{ID: ClassCityObjectGroup, Name: "CityObjectGroup", Namespace: NamespaceGroup, Prefix: "grp", Super: root, TopLevel: true},
		{ID: ClassBuildingPart, Name: "BuildingPart", Namespace: NamespaceBuilding, Prefix: "bldg", Super: building},
		{ID: ClassBuilding, Name: "Building", Namespace: NamespaceBuilding, Prefix: "bldg", Super: building, TopLevel: true},
		{ID: ClassTrack, Name: "Track", Namespace: NamespaceTransportation, Prefix: "tran", Super: complexType, TopLevel: true},
		{ID: ClassRoad, Name: "Road", Namespace: NamespaceTransportation, Prefix: "tran", Super: complexType, TopLevel: true},
		{ID: ClassRailway, Name: "Railway", Namespace: NamespaceTransportation, Prefix: "tran", Super: complexType, TopLevel: true},
		{ID: ClassSquare, Name: "Square", Namespace: NamespaceTransportation, Prefix: "tran", Super: complexType, TopLevel: true},
		{ID: ClassBridgePart, Name: "BridgePart", Namespace: NamespaceBridge, Prefix: "brid", Super: bridge},
		{ID: ClassBridge, Name: "Bridge", Namespace: NamespaceBridge, Prefix: "brid", Super: bridge, TopLevel: true},
		{ID: ClassTunnelPart, Name: "TunnelPart", Namespace: NamespaceTunnel, Prefix: "tun", Super: tunnel},
		{ID: ClassTunnel, Name: "Tunnel", Namespace: NamespaceTunnel, Prefix: "tun", Super: tunnel, TopLevel: true},
	}

	for _, ft := range types {
		// встроенные ID уникальны, ошибка здесь означает опечатку в таблице выше
		if err := r.Register(ft); err != nil {
			panic(err)
		}
	}
	return r
}

// Namespaces возвращает префиксы и пространства имен для заголовка документа
func Namespaces() map[string]string {
	return map[string]string{
		"core": NamespaceCore,
		"bldg": NamespaceBuilding,
		"brid": NamespaceBridge,
		"tun":  NamespaceTunnel,
		"tran": NamespaceTransportation,
		"veg":  NamespaceVegetation,
		"wtr":  NamespaceWaterBody,
		"luse": NamespaceLandUse,
		"dem":  NamespaceRelief,
		"frn":  NamespaceFurniture,
		"grp":  NamespaceGroup,
		"gen":  NamespaceGeneric,
	}
}
